package devtree

// These are the thin synchronous-RP wrappers spec.md §4.13 describes:
// build an RP with the matching code, send it, unwrap the payload. They
// assume the driver's Dispatch finalizes query RPs inline (no suspension
// needed): a driver that must do real async work for one of these still
// satisfies the contract by blocking its own dispatch goroutine rather
// than returning early, since devtree has no task context to suspend here
// (the caller already provided one to SendRP).

// DeviceIDs is GetDeviceID's payload: a main ID and up to 8 compatible
// IDs, in the `/`-joined uppercase-token format spec.md §6 defines.
type DeviceIDs struct {
	MainID         string
	CompatibleIDs  []string
}

func GetDeviceID(dev *Device, dispatch func(*RP)) DeviceIDs {
	rp := NewRP(RPGetDeviceID, dev, nil)
	dispatch(rp)
	if ids, ok := rp.Payload.(DeviceIDs); ok {
		return ids
	}
	return DeviceIDs{}
}

type ConfigSpaceIO struct {
	Offset uint32
	Size   uint32
	Data   []byte
}

func ReadConfigSpace(dev *Device, offset, size uint32, dispatch func(*RP)) ([]byte, error) {
	rp := NewRP(RPGetConfigSpace, dev, ConfigSpaceIO{Offset: offset, Size: size})
	dispatch(rp)
	if rp.Status != nil {
		return nil, rp.Status
	}
	if io, ok := rp.Payload.(ConfigSpaceIO); ok {
		return io.Data, nil
	}
	return nil, nil
}

func WriteConfigSpace(dev *Device, offset uint32, data []byte, dispatch func(*RP)) error {
	rp := NewRP(RPSetConfigSpace, dev, ConfigSpaceIO{Offset: offset, Size: uint32(len(data)), Data: data})
	dispatch(rp)
	return rp.Status
}

// DeviceResources is GetDeviceResources' payload.
type DeviceResources struct {
	IRQs []IRQDescriptor
}

func GetDeviceResources(dev *Device, dispatch func(*RP)) DeviceResources {
	rp := NewRP(RPGetDeviceResources, dev, nil)
	dispatch(rp)
	if res, ok := rp.Payload.(DeviceResources); ok {
		return res
	}
	return DeviceResources{}
}

type DeviceLocation struct {
	BusType string
	BusID   uint32
}

func GetDeviceLocation(dev *Device, dispatch func(*RP)) DeviceLocation {
	rp := NewRP(RPGetDeviceLocation, dev, nil)
	dispatch(rp)
	if loc, ok := rp.Payload.(DeviceLocation); ok {
		return loc
	}
	return DeviceLocation{}
}

func PerformIoctl(dev *Device, code uint32, in []byte, dispatch func(*RP)) ([]byte, error) {
	rp := NewRP(RPIoctl, dev, IoctlIO{Code: code, In: in})
	dispatch(rp)
	if rp.Status != nil {
		return nil, rp.Status
	}
	if io, ok := rp.Payload.(IoctlIO); ok {
		return io.Out, nil
	}
	return nil, nil
}

type IoctlIO struct {
	Code uint32
	In   []byte
	Out  []byte
}
