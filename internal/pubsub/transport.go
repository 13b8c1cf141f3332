package pubsub

import (
	"fmt"
	"net"
)

// TransportConfig describes the multicast bus connection, matching
// scrambler.json's "connection" object.
type TransportConfig struct {
	Group     string // multicast group address, e.g. "224.0.0.127"
	Port      int    // multicast port, e.g. 4999
	Interface string // physical interface name, e.g. "eth0"; empty picks any
	Protocol  string // descriptive only; transport is always UDP multicast
}

const defaultProtocol = "epgm"

// ConnectionString renders the connection in the form
// <protocol>://[<interface>;]<group>:<port>.
func (c TransportConfig) ConnectionString() string {
	proto := c.Protocol
	if proto == "" {
		proto = defaultProtocol
	}
	iface := ""
	if c.Interface != "" {
		iface = c.Interface + ";"
	}
	return fmt.Sprintf("%s://%s%s:%d", proto, iface, c.Group, c.Port)
}

func (c TransportConfig) groupAddr() (*net.UDPAddr, error) {
	ip := net.ParseIP(c.Group)
	if ip == nil || !ip.IsMulticast() {
		return nil, fmt.Errorf("pubsub: %q is not a valid multicast group address", c.Group)
	}
	return &net.UDPAddr{IP: ip, Port: c.Port}, nil
}

func (c TransportConfig) resolveInterface() (*net.Interface, error) {
	if c.Interface == "" {
		return nil, nil
	}
	ifi, err := net.InterfaceByName(c.Interface)
	if err != nil {
		return nil, fmt.Errorf("pubsub: resolve interface %q: %w", c.Interface, err)
	}
	return ifi, nil
}
