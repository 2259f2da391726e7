package store

import "fmt"

// Slug formats follow the fleet-wide naming convention: 64-bit ids
// rendered as four dash-separated hex groups with a type prefix.

func DeviceSlug(deviceID uint32) string {
	return "d--" + idGroups(uint64(deviceID))
}

func StreamerSlug(deviceID uint32, index uint8) string {
	return fmt.Sprintf("t--%s--%04x", idGroups(uint64(deviceID)), index)
}

func StreamSlug(deviceID uint32, variable uint16) string {
	return fmt.Sprintf("s--%s--%04x", idGroups(uint64(deviceID)), variable)
}

func idGroups(id uint64) string {
	return fmt.Sprintf("%04x-%04x-%04x-%04x",
		(id>>48)&0xFFFF, (id>>32)&0xFFFF, (id>>16)&0xFFFF, id&0xFFFF)
}
