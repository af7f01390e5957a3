package network

import (
	"net"
	"net/http"
	"strings"
)

// ClientAddrMessage is the client endpoint as seen through any proxy.
type ClientAddrMessage struct {
	IP   string
	Port string
}

func (c ClientAddrMessage) String() string {
	if c.Port == "" {
		return c.IP
	}
	return net.JoinHostPort(c.IP, c.Port)
}

// ClientAddrFromNet splits a socket address into a ClientAddrMessage.
func ClientAddrFromNet(addr net.Addr) ClientAddrMessage {
	if addr == nil {
		return ClientAddrMessage{}
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return ClientAddrMessage{IP: addr.String()}
	}
	return ClientAddrMessage{IP: host, Port: port}
}

// GetClientIP retrieves the client's IP address and port from the HTTP request.
// It checks the "X-Forwarded-For" header first, then "X-Real-IP", and finally falls back to the remote address.
// nginx configuration example:
// ```
//
//	location /ws {
//		proxy_pass http://backend;
//		proxy_http_version 1.1;
//		proxy_set_header Upgrade $http_upgrade;
//		proxy_set_header Connection "upgrade";
//		proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
//		proxy_set_header X-Real-IP $remote_addr;
//	}
//
// ```
func GetClientIP(r *http.Request) ClientAddrMessage {
	xff := r.Header.Get("X-Forwarded-For")
	if len(xff) > 0 {
		for ipitem := range strings.SplitSeq(xff, ",") {
			ipitem = strings.TrimSpace(ipitem)
			if net.ParseIP(ipitem) != nil {
				return ClientAddrMessage{IP: ipitem}
			}
		}
	}

	xri := strings.TrimSpace(r.Header.Get("X-Real-IP"))
	if net.ParseIP(xri) != nil {
		return ClientAddrMessage{IP: xri}
	}

	rip, rport, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return ClientAddrMessage{IP: r.RemoteAddr}
	}
	return ClientAddrMessage{IP: rip, Port: rport}
}
