package relay

import (
	"net"
	"net/http"
	"os"

	"github.com/katulong/katulong/internal/katerr"
)

// localLANAddr returns the first non-loopback IPv4 address found on any
// interface, for display on the connect/trust page.
func localLANAddr() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil {
				continue
			}
			return ip4.String()
		}
	}
	return ""
}

// handleConnectInfo returns public metadata for the trust page: LAN IP,
// HTTPS port, and an mDNS name guess. Reachable at any tier — it carries no
// secret, only routing hints for a second device trying to find this host.
func (s *Server) handleConnectInfo(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()
	mdnsName := ""
	if hostname != "" {
		mdnsName = hostname + ".local"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"lanAddr":   localLANAddr(),
		"httpsPort": s.Config.HTTPSPort,
		"mdnsName":  mdnsName,
	})
}

// handleConnectTrust serves the instance's self-signed CA certificate so a
// new device can pin it before trusting the relay's HTTPS listener. HTTP
// port only — fetching it over HTTPS would already require trusting the
// very certificate it authenticates.
func (s *Server) handleConnectTrust(w http.ResponseWriter, r *http.Request) {
	if r.TLS != nil {
		writeError(w, katerr.New(katerr.KindBadRequest, "fetch the CA over the HTTP port, not HTTPS"))
		return
	}
	pemBytes, err := s.TLS.caCertPEM()
	if err != nil {
		writeError(w, katerr.Wrap(katerr.KindInternal, "load ca cert", err))
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="katulong-ca.crt"`)
	_, _ = w.Write(pemBytes)
}

// handleSSHPassword returns the active SSH password, localhost only — it is
// meant for a local operator to copy into their SSH client, never for a
// remote caller to learn over the network.
func (s *Server) handleSSHPassword(w http.ResponseWriter, r *http.Request) {
	tier := classifyAccess(r)
	if s.Config.NoAuth {
		tier = tierLocalhost
	}
	if tier != tierLocalhost {
		writeError(w, katerr.New(katerr.KindForbidden, "ssh password is only available to localhost callers"))
		return
	}
	password := s.Config.SSHPassword
	if password == "" {
		writeError(w, katerr.New(katerr.KindNotFound, "no ssh password configured"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"password": password})
}
