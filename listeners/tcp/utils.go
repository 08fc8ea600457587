package tcp

import (
	"net"
	"strconv"
)

// getTCPAddress returns a resolved TCPAddr built from a host/port pair, the
// way every listener config names its endpoint.
func getTCPAddress(host string, port int) (address *net.TCPAddr, err error) {
	return net.ResolveTCPAddr(ProtocolTcp, net.JoinHostPort(host, strconv.Itoa(port)))
}
