// Package osaddr implements the OpenSRF bus address scheme: construction and
// parsing of the colon-delimited addresses that name every peer's inbound
// stream.
//
// Grammar (see the transport specification, Address Scheme):
//
//	opensrf:client:<domain>:<host>:[<service>:]<pid>:<rand8>
//	opensrf:service:<service>
package osaddr

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/berick/opensrf-go/oserr"
)

// Role distinguishes the two address forms.
type Role string

const (
	RoleClient  Role = "client"
	RoleService Role = "service"
)

const scheme = "opensrf"

// RandSuffix returns the low 8 hex characters of an MD5 digest of
// (wall-clock milliseconds, unix seconds, pid) — just enough entropy to
// disambiguate addresses minted within one process, per the address
// invariants in the spec's data model.
func RandSuffix(pid int) string {
	now := time.Now()
	seed := fmt.Sprintf("%d.%d.%d", now.UnixMilli(), now.Unix(), pid)
	sum := md5.Sum([]byte(seed))
	return hex.EncodeToString(sum[:])[:8]
}

// ClientAddress composes an anonymous or service-bound client address.
// When service is empty the service segment is omitted (the anonymous
// client form).
func ClientAddress(domain, host, service string, pid int, rand string) string {
	if service == "" {
		return fmt.Sprintf("%s:%s:%s:%s:%d:%s", scheme, RoleClient, domain, host, pid, rand)
	}
	return fmt.Sprintf("%s:%s:%s:%s:%s:%d:%s", scheme, RoleClient, domain, host, service, pid, rand)
}

// NewClientAddress is ClientAddress with a freshly minted random suffix.
func NewClientAddress(domain, host, service string, pid int) string {
	return ClientAddress(domain, host, service, pid, RandSuffix(pid))
}

// ServiceAddress composes the well-known inbox address shared by every
// worker of one service.
func ServiceAddress(service string) string {
	return fmt.Sprintf("%s:%s:%s", scheme, RoleService, service)
}

// ParseRole returns the role segment (index 1) of addr.
func ParseRole(addr string) (Role, error) {
	parts := strings.Split(addr, ":")
	if len(parts) < 2 || parts[0] != scheme {
		return "", oserr.New(oserr.KindBadAddress, fmt.Sprintf("not an opensrf address: %q", addr), nil)
	}
	switch Role(parts[1]) {
	case RoleClient:
		return RoleClient, nil
	case RoleService:
		return RoleService, nil
	default:
		return "", oserr.New(oserr.KindBadAddress, fmt.Sprintf("unknown role in address: %q", addr), nil)
	}
}

// ParseDomain recovers the domain segment from a client address. The
// well-known service form has no domain segment and is not resolvable here
// — cross-domain routing of service inboxes is the router's job, not this
// core's (see spec, Address Scheme).
func ParseDomain(addr string) (string, error) {
	parts := strings.Split(addr, ":")
	role, err := ParseRole(addr)
	if err != nil {
		return "", err
	}
	if role != RoleClient {
		return "", oserr.New(oserr.KindBadAddress, fmt.Sprintf("address has no domain: %q", addr), nil)
	}
	if len(parts) < 3 || parts[2] == "" {
		return "", oserr.New(oserr.KindBadAddress, fmt.Sprintf("missing domain segment: %q", addr), nil)
	}
	return parts[2], nil
}
