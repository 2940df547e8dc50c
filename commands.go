package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/dotside-studios/tagsync-agent/protocol"
	"github.com/dotside-studios/tagsync-agent/tag"
	"github.com/dotside-studios/tagsync-agent/tag/remotetag"
)

// connectTimeout bounds how long client commands wait for the service.
const connectTimeout = 10 * time.Second

// remoteSession is a client command's link to a running service.
type remoteSession struct {
	conn   *remotetag.Connection
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *remoteSession) Close() {
	s.conn.Close()
	s.cancel()
	<-s.done
}

// serviceURL resolves the service endpoint: the -url flag, then config
// remote.url, then mDNS, then the local listen address.
func serviceURL(ctx context.Context, e *env) string {
	if e.remoteURL != "" {
		return e.remoteURL
	}
	if u := e.config.Remote.URL; u != "" {
		return u
	}
	dctx, cancel := context.WithTimeout(ctx, e.config.Remote.DiscoveryTimeout)
	defer cancel()
	u, err := remotetag.Discover(dctx)
	if err == nil {
		e.logger.Debug("discovered tag service", "url", u)
		return u
	}
	e.logger.Debug("mdns discovery failed, using local service", "error", err)
	return "ws://" + e.config.Service.Listen + protocol.WebSocketPath
}

// connectRemote dials the service and returns a connection for deviceID.
func connectRemote(ctx context.Context, e *env, deviceID string) (*remoteSession, error) {
	u := serviceURL(ctx, e)
	client, err := remotetag.NewClient(remotetag.ClientConfig{
		URL:    u,
		Secret: e.config.Service.APISecret,
		Logger: e.logger,
	})
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = client.Run(runCtx)
	}()

	readyCtx, readyCancel := context.WithTimeout(runCtx, connectTimeout)
	defer readyCancel()
	if _, err := client.Ready(readyCtx); err != nil {
		cancel()
		<-done
		return nil, fmt.Errorf("connect to %s: %w", u, err)
	}

	cfg := remotetag.Config{Binder: client, Logger: e.logger}
	if e.config.Backend.BaseURL != "" {
		api, err := newNetworkAPI(e.config.Backend, e.logger)
		if err != nil {
			cancel()
			<-done
			return nil, err
		}
		cfg.API = api
	}
	return &remoteSession{conn: remotetag.New(deviceID, cfg), cancel: cancel, done: done}, nil
}

func deviceArg(fs *flag.FlagSet) (string, error) {
	if fs.NArg() != 1 {
		return "", fmt.Errorf("%w: %s takes exactly one device address", errUsage, fs.Name())
	}
	id, err := protocol.NormalizeAddress(fs.Arg(0))
	if err != nil {
		return "", fmt.Errorf("%w: %v", errUsage, err)
	}
	return id, nil
}

func parseCommandFlags(fs *flag.FlagSet, args []string) error {
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %s: %v", errUsage, fs.Name(), err)
	}
	return nil
}

func runSync(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	if err := parseCommandFlags(fs, args); err != nil {
		return err
	}
	deviceID, err := deviceArg(fs)
	if err != nil {
		return err
	}
	session, err := connectRemote(ctx, e, deviceID)
	if err != nil {
		return err
	}
	defer session.Close()

	result := session.conn.SyncLocation(ctx)
	fmt.Fprintln(e.stdout, result)
	if result != tag.SyncSuccess {
		return errFailed
	}
	return nil
}

func runRing(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("ring", flag.ContinueOnError)
	stop := fs.Bool("stop", false, "stop ringing instead of starting")
	bluetoothOnly := fs.Bool("bluetooth-only", false, "do not fall back to a network ring")
	if err := parseCommandFlags(fs, args); err != nil {
		return err
	}
	deviceID, err := deviceArg(fs)
	if err != nil {
		return err
	}
	session, err := connectRemote(ctx, e, deviceID)
	if err != nil {
		return err
	}
	defer session.Close()

	if *stop {
		if !session.conn.StopRinging(ctx) {
			fmt.Fprintln(e.stdout, "failed")
			return errFailed
		}
		fmt.Fprintln(e.stdout, "stopped")
		return nil
	}

	switch r := session.conn.StartRinging(ctx, *bluetoothOnly).(type) {
	case tag.RingSuccessBluetooth:
		if r.VolumeKnown {
			fmt.Fprintf(e.stdout, "ringing over bluetooth (volume %s)\n", r.Volume)
		} else {
			fmt.Fprintln(e.stdout, "ringing over bluetooth")
		}
		return nil
	case tag.RingSuccessNetwork:
		fmt.Fprintln(e.stdout, "ringing requested over network")
		return nil
	default:
		fmt.Fprintln(e.stdout, "failed")
		return errFailed
	}
}

func runState(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("state", flag.ContinueOnError)
	if err := parseCommandFlags(fs, args); err != nil {
		return err
	}
	deviceID, err := deviceArg(fs)
	if err != nil {
		return err
	}
	session, err := connectRemote(ctx, e, deviceID)
	if err != nil {
		return err
	}
	defer session.Close()
	conn := session.conn

	stateCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	select {
	case s, ok := <-conn.ConnectionState(stateCtx):
		if !ok {
			return fmt.Errorf("no state received: %w", context.Cause(stateCtx))
		}
		fmt.Fprintf(e.stdout, "state:         %s\n", s)
		if s != tag.StateConnected {
			return nil
		}
	case <-stateCtx.Done():
		return fmt.Errorf("no state received: %w", stateCtx.Err())
	}

	printValue(e.stdout, "battery", func() (string, bool) {
		b, ok := conn.BatteryLevel(ctx)
		return b.String(), ok
	})
	printValue(e.stdout, "lost mode url", func() (string, bool) {
		return conn.LostModeURL(ctx)
	})
	printValue(e.stdout, "e2e", func() (string, bool) {
		enabled, ok := conn.E2EEnabled(ctx)
		return fmt.Sprint(enabled), ok
	})
	printValue(e.stdout, "button volume", func() (string, bool) {
		v, ok := conn.ButtonVolume(ctx)
		return v.String(), ok
	})
	return nil
}

func printValue(w io.Writer, label string, read func() (string, bool)) {
	v, ok := read()
	if !ok {
		v = "unavailable"
	}
	fmt.Fprintf(w, "%-14s %s\n", label+":", v)
}

func runEvents(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	rssi := fs.Bool("rssi", false, "also stream signal strength")
	if err := parseCommandFlags(fs, args); err != nil {
		return err
	}
	deviceID, err := deviceArg(fs)
	if err != nil {
		return err
	}
	session, err := connectRemote(ctx, e, deviceID)
	if err != nil {
		return err
	}
	defer session.Close()
	conn := session.conn

	states := conn.ConnectionState(ctx)
	events := conn.TagStateEvents(ctx)
	syncs := conn.AutoSyncStates(ctx)
	var readings <-chan int
	if *rssi {
		readings = conn.RSSI(ctx, e.config.Bluetooth.RSSIInterval)
	}

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case s, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			fmt.Fprintf(e.stdout, "%s state %s\n", timestamp(), s)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			fmt.Fprintf(e.stdout, "%s event %s\n", timestamp(), ev)
		case s, ok := <-syncs:
			if !ok {
				syncs = nil
				continue
			}
			fmt.Fprintf(e.stdout, "%s sync %s\n", timestamp(), s)
		case v, ok := <-readings:
			if !ok {
				readings = nil
				continue
			}
			fmt.Fprintf(e.stdout, "%s rssi %d\n", timestamp(), v)
		}
		if states == nil && events == nil && syncs == nil && readings == nil {
			return errors.New("service closed every stream")
		}
	}
}

func timestamp() string {
	return time.Now().Format(time.TimeOnly)
}
