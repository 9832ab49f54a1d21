package tuicproto

import (
	"net"
	"unicode/utf8"
)

func utf8ValidDomain(b []byte) bool {
	return utf8.Valid(b)
}

func netIPString(ip net.IP) string {
	return ip.String()
}
