package transport

import (
	"sync"

	"github.com/fieldpulse/devicegw/common"
)

// portLocks tracks which serial device paths are currently held open by a
// driver in this process: opening the same serialPort twice concurrently
// fails with PortBusy rather than silently racing the OS handle.
var portLocks sync.Map // map[string]struct{}

func acquirePort(device string) error {
	if _, loaded := portLocks.LoadOrStore(device, struct{}{}); loaded {
		return common.Newf(common.KindPortBusy, "serial port %s already open", device)
	}
	return nil
}

func releasePort(device string) {
	portLocks.Delete(device)
}
