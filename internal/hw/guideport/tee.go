package guideport

import "fmt"

// Tee forwards every activation to a primary port and a mirror. Active
// reports the primary. The bench setup uses it to drive the relay board
// while the simulated mount moves the simulated star.
type Tee struct {
	Primary GuidePort
	Mirror  GuidePort
}

// Activate implements GuidePort. The mirror is only fired when the primary
// accepted the pulses.
func (t Tee) Activate(raPlus, raMinus, decPlus, decMinus float64) error {
	if err := t.Primary.Activate(raPlus, raMinus, decPlus, decMinus); err != nil {
		return err
	}
	if err := t.Mirror.Activate(raPlus, raMinus, decPlus, decMinus); err != nil {
		return fmt.Errorf("mirror: %w", err)
	}
	return nil
}

// Active implements GuidePort.
func (t Tee) Active() (Activity, error) {
	return t.Primary.Active()
}
