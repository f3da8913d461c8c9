package guider

import "fmt"

// Descriptor identifies a guider by the devices it is bound to. It is the
// key under which calibrations and tracking history are stored.
type Descriptor struct {
	Name          string `json:"name"`
	CameraName    string `json:"camera"`
	CCDID         int    `json:"ccd"`
	GuidePortName string `json:"guideport"`
}

// Key returns the persistence key. The display name is not part of it.
func (d Descriptor) Key() string {
	return fmt.Sprintf("%s|%d|%s", d.CameraName, d.CCDID, d.GuidePortName)
}

func (d Descriptor) String() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Key()
}
