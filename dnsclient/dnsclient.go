// Package dnsclient resolves hostnames over a hardware UDP socket using
// a single-question, single-server DNS query.
package dnsclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"strings"

	"golang.org/x/net/dns/dnsmessage"

	"github.com/spiethernet/wiznet5k-go/sock"
	"github.com/spiethernet/wiznet5k-go/tslog"
	"github.com/spiethernet/wiznet5k-go/wiznet5k"
)

const dnsPort = 53

// ErrNoAnswer is returned when the server's response carries no A record
// for the queried name.
var ErrNoAnswer = errors.New("no A record in response")

// ErrNoServer is returned when no DNS server address is configured.
var ErrNoServer = errors.New("no DNS server configured")

// Resolver issues queries to one DNS server.
type Resolver struct {
	dev    *wiznet5k.Device
	logger *tslog.Logger
	server netip.Addr
}

// NewResolver returns a resolver that queries server.
func NewResolver(dev *wiznet5k.Device, logger *tslog.Logger, server netip.Addr) *Resolver {
	if logger == nil {
		logger = tslog.Noop
	}
	return &Resolver{
		dev:    dev,
		logger: logger,
		server: server,
	}
}

// LookupA resolves host to its first IPv4 address. A host that is
// already a literal IPv4 address is returned as is.
func (r *Resolver) LookupA(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		if !addr.Is4() {
			return netip.Addr{}, fmt.Errorf("lookup %s: not an IPv4 address", host)
		}
		return addr, nil
	}
	if !r.server.IsValid() {
		return netip.Addr{}, fmt.Errorf("lookup %s: %w", host, ErrNoServer)
	}

	id := uint16(rand.Uint32())
	query, err := buildQuery(id, host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("lookup %s: %w", host, err)
	}

	s, err := sock.New(r.dev, r.logger)
	if err != nil {
		return netip.Addr{}, err
	}
	if err = s.ConnectUDP(ctx, netip.AddrPortFrom(r.server, dnsPort)); err != nil {
		return netip.Addr{}, err
	}
	defer s.Close(context.WithoutCancel(ctx))

	if _, err = s.Write(ctx, query); err != nil {
		return netip.Addr{}, fmt.Errorf("lookup %s: send query: %w", host, err)
	}
	r.logger.Debug("Sent DNS query",
		tslog.Uint("id", id),
		slog.String("host", host),
		tslog.Addr("server", r.server),
	)

	buf := make([]byte, 512)
	for {
		n, from, err := s.RecvFrom(ctx, buf)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("lookup %s: %w", host, err)
		}
		addr, err := parseResponse(buf[:n], id, host)
		switch {
		case err == nil:
			return addr, nil
		case errors.Is(err, ErrNoAnswer):
			return netip.Addr{}, err
		default:
			// Not our transaction or unparseable; keep waiting.
			r.logger.Debug("Ignoring DNS datagram",
				tslog.AddrPort("from", from),
				tslog.Err(err),
			)
		}
	}
}

// HostByName resolves host against the device's configured DNS server.
func HostByName(ctx context.Context, dev *wiznet5k.Device, logger *tslog.Logger, host string) (netip.Addr, error) {
	return NewResolver(dev, logger, dev.DNS()).LookupA(ctx, host)
}

func buildQuery(id uint16, host string) ([]byte, error) {
	name, err := dnsmessage.NewName(fqdn(host))
	if err != nil {
		return nil, err
	}
	b := dnsmessage.NewBuilder(nil, dnsmessage.Header{
		ID:               id,
		RecursionDesired: true,
	})
	if err = b.StartQuestions(); err != nil {
		return nil, err
	}
	if err = b.Question(dnsmessage.Question{
		Name:  name,
		Type:  dnsmessage.TypeA,
		Class: dnsmessage.ClassINET,
	}); err != nil {
		return nil, err
	}
	return b.Finish()
}

// parseResponse extracts the first A record from a response matching our
// transaction ID.
func parseResponse(msg []byte, id uint16, host string) (netip.Addr, error) {
	var p dnsmessage.Parser
	hdr, err := p.Start(msg)
	if err != nil {
		return netip.Addr{}, err
	}
	if hdr.ID != id {
		return netip.Addr{}, fmt.Errorf("transaction ID mismatch: 0x%04x", hdr.ID)
	}
	if !hdr.Response {
		return netip.Addr{}, errors.New("not a response")
	}
	if hdr.RCode != dnsmessage.RCodeSuccess {
		return netip.Addr{}, fmt.Errorf("server returned %s", hdr.RCode)
	}
	if err = p.SkipAllQuestions(); err != nil {
		return netip.Addr{}, err
	}
	for {
		h, err := p.AnswerHeader()
		if errors.Is(err, dnsmessage.ErrSectionDone) {
			return netip.Addr{}, fmt.Errorf("lookup %s: %w", host, ErrNoAnswer)
		}
		if err != nil {
			return netip.Addr{}, err
		}
		if h.Type != dnsmessage.TypeA || h.Class != dnsmessage.ClassINET {
			if err = p.SkipAnswer(); err != nil {
				return netip.Addr{}, err
			}
			continue
		}
		res, err := p.AResource()
		if err != nil {
			return netip.Addr{}, err
		}
		return netip.AddrFrom4(res.A), nil
	}
}

func fqdn(host string) string {
	if strings.HasSuffix(host, ".") {
		return host
	}
	return host + "."
}
