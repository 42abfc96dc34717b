// Package discovery keeps the peer registry eventually consistent with
// reachable instances via mDNS broadcast and periodic browse scans.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_notes-sync._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background peer discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
	// registerMaxElapsed bounds the initial mDNS registration retries.
	registerMaxElapsed = 30 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS broadcast and scanning behavior.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	SelfDeviceID string
	DeviceName   string
	Port         int

	Logger zerolog.Logger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validate() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("discovery: self device ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("discovery: device name is required")
	}
	if c.Port <= 0 {
		return errors.New("discovery: listening port must be > 0")
	}
	return nil
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Service broadcasts local presence and feeds browse results into a Registry.
type Service struct {
	cfg      Config
	registry *Registry
	browse   browseFunc

	server *zeroconf.Server

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	refreshRequests chan refreshRequest
}

// Start registers the mDNS service and begins the scan loop. Registration is
// retried with exponential backoff before giving up.
func Start(cfg Config, registry *Registry) (*Service, error) {
	conf := cfg.withDefaults()
	if err := conf.validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		return nil, errors.New("discovery: registry is required")
	}

	browse := conf.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	txt := []string{
		"device_id=" + conf.SelfDeviceID,
		"device_name=" + conf.DeviceName,
		"version=" + strconv.Itoa(conf.Version),
	}

	var server *zeroconf.Server
	registerPolicy := backoff.NewExponentialBackOff()
	registerPolicy.MaxElapsedTime = registerMaxElapsed
	err := backoff.Retry(func() error {
		registered, registerErr := conf.registerFn(conf.DeviceName, conf.Service, conf.Domain, conf.Port, txt, nil)
		if registerErr != nil {
			conf.Logger.Warn().Err(registerErr).Msg("mDNS register failed, retrying")
			return registerErr
		}
		server = registered
		return nil
	}, registerPolicy)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	service := &Service{
		cfg:             conf,
		registry:        registry,
		browse:          browse,
		server:          server,
		refreshRequests: make(chan refreshRequest),
	}
	service.ctx, service.cancel = context.WithCancel(context.Background())
	service.wg.Add(1)
	go service.loop()

	return service, nil
}

// Stop halts scanning and withdraws the mDNS registration.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		if s.server != nil {
			s.server.Shutdown()
		}
	})
}

// Refresh triggers an immediate scan and waits for it to finish.
func (s *Service) Refresh(ctx context.Context) error {
	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("discovery: service is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("discovery: service is stopped")
	}
}

func (s *Service) loop() {
	defer s.wg.Done()

	// Prime the registry immediately.
	s.scanWithRecovery(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	scanBackoff := backoff.NewExponentialBackOff()
	scanBackoff.MaxElapsedTime = 0

	for {
		select {
		case <-ticker.C:
			if err := s.scanWithRecovery(context.Background()); err != nil {
				// Transient browse failures back off without killing the loop.
				delay := scanBackoff.NextBackOff()
				s.cfg.Logger.Warn().Err(err).Dur("backoff", delay).Msg("discovery scan failed")
				select {
				case <-time.After(delay):
				case <-s.ctx.Done():
					return
				}
			} else {
				scanBackoff.Reset()
			}
		case req := <-s.refreshRequests:
			req.done <- s.scanWithRecovery(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) scanWithRecovery(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, s.cfg.SelfDeviceID)
				if !ok {
					s.cfg.Logger.Debug().
						Str("instance", entry.Instance).
						Msg("discarding unusable announcement")
					continue
				}
				s.registry.Upsert(peer)
			}
		}
	}()

	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		return fmt.Errorf("browse mDNS: %w", err)
	}

	<-scanCtx.Done()
	<-collectorDone

	// A deadline just means this scan window ended naturally.
	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// parseEntry converts one service entry into a Peer. Announcements without a
// device ID or a usable address, and our own announcement, are discarded.
func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (Peer, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt["device_id"])
	if deviceID == "" || deviceID == selfDeviceID {
		return Peer{}, false
	}
	if entry.Port <= 0 {
		return Peer{}, false
	}

	ip := firstAddress(entry)
	if ip == "" {
		return Peer{}, false
	}

	name := strings.TrimSpace(txt["device_name"])
	if name == "" {
		name = strings.TrimSpace(entry.Instance)
	}
	if name == "" {
		name = deviceID
	}

	return Peer{
		ID:   deviceID,
		Name: name,
		IP:   ip,
		Port: entry.Port,
	}, true
}

func firstAddress(entry *zeroconf.ServiceEntry) string {
	for _, ip := range entry.AddrIPv4 {
		if ip != nil {
			return ip.String()
		}
	}
	for _, ip := range entry.AddrIPv6 {
		if ip != nil {
			return ip.String()
		}
	}
	return ""
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
