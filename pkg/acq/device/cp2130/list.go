package cp2130

import (
	"fmt"
	"sort"

	"github.com/google/gousb"
)

// Info identifies one attached bridge.
type Info struct {
	Bus     int
	Address int
	Serial  string
}

func (i Info) String() string {
	return fmt.Sprintf("Bus %d Addr %d - SN %s", i.Bus, i.Address, i.Serial)
}

// List returns every attached CP2130, ordered by bus then address.
func (t *Transport) List() ([]Info, error) {
	devs, err := t.usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(VendorID) && desc.Product == gousb.ID(ProductID)
	})

	infos := make([]Info, 0, len(devs))
	for _, dev := range devs {
		serial, serr := dev.SerialNumber()
		if serr != nil {
			serial = "Unknown"
		}
		infos = append(infos, Info{
			Bus:     dev.Desc.Bus,
			Address: dev.Desc.Address,
			Serial:  serial,
		})
		dev.Close()
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Bus != infos[j].Bus {
			return infos[i].Bus < infos[j].Bus
		}
		return infos[i].Address < infos[j].Address
	})

	// OpenDevices reports the first device it failed to open; still return the ones that did.
	if err != nil && len(infos) == 0 {
		return nil, fmt.Errorf("cp2130: list devices: %w", err)
	}
	return infos, nil
}
