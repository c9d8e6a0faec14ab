package terminate

import (
	"github.com/coreos/go-systemd/v22/login1"
)

// logindPower talks to systemd-logind over the system bus.
type logindPower struct{}

func (logindPower) Reboot() error {
	c, err := login1.New()
	if err != nil {
		return err
	}
	defer c.Close()
	c.Reboot(false)
	return nil
}

func (logindPower) PowerOff() error {
	c, err := login1.New()
	if err != nil {
		return err
	}
	defer c.Close()
	c.PowerOff(false)
	return nil
}
