package connmgr

import (
	"net"

	"github.com/coreos/go-systemd/v22/activation"
)

// Listen resolves Casket's single TCP listener. When the process was
// started under systemd socket activation (LISTEN_FDS set), the first
// inherited listener is reused so Casket can be restarted by systemd
// without a window where new connections are refused. Otherwise it binds
// bindAddr directly.
func Listen(bindAddr string) (net.Listener, error) {
	listeners, err := activation.Listeners()
	if err == nil && len(listeners) > 0 && listeners[0] != nil {
		return listeners[0], nil
	}
	return net.Listen("tcp", bindAddr)
}
