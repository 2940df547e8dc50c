package remotetag

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"

	"github.com/dotside-studios/tagsync-agent/protocol"
)

// ErrNoService is returned when discovery finds no tag service.
var ErrNoService = errors.New("no tag service found on the local network")

// Discover browses mDNS for a tag service and returns the websocket URL of
// the first one that answers before ctx ends.
func Discover(ctx context.Context) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("mdns resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan string, 1)
	go func() {
		for entry := range entries {
			if u := entryURL(entry); u != "" {
				select {
				case found <- u:
				default:
				}
				cancel()
			}
		}
	}()

	if err := resolver.Browse(ctx, protocol.MDNSServiceType, protocol.MDNSDomain, entries); err != nil {
		return "", fmt.Errorf("mdns browse: %w", err)
	}

	<-ctx.Done()
	select {
	case u := <-found:
		return u, nil
	default:
		return "", ErrNoService
	}
}

func entryURL(entry *zeroconf.ServiceEntry) string {
	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	default:
		return ""
	}
	path := protocol.WebSocketPath
	for _, t := range entry.Text {
		if v, ok := strings.CutPrefix(t, "path="); ok && v != "" {
			path = v
		}
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(entry.Port)) + path
}
