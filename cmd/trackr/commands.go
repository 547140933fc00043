package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/loykin/trackr"
	srvtls "github.com/loykin/trackr/internal/tls"
	"github.com/loykin/trackr/pkg/client"
)

// command binds client subcommands to the persistent flags.
type command struct {
	flags *GlobalFlags
	out   func() io.Writer
}

func (c command) client() (*client.Client, error) {
	cc, err := resolveAPI(c.flags)
	if err != nil {
		return nil, err
	}
	return client.New(cc), nil
}

// resolveAPI picks --api-url, then the [server] section of --config, then the default.
// A daemon configured for TLS is reached over https trusting its generated ca.crt.
func resolveAPI(f *GlobalFlags) (client.Config, error) {
	cc := client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout, Insecure: f.Insecure}
	if f.CACert != "" {
		cc.TLS = &client.TLSClientConfig{Enabled: true, CACert: f.CACert}
	}
	if cc.BaseURL != "" {
		return cc, nil
	}
	if f.ConfigPath == "" {
		cc.BaseURL = client.DefaultConfig().BaseURL
		return cc, nil
	}
	cfg, err := trackr.LoadConfig(f.ConfigPath)
	if err != nil {
		return cc, fmt.Errorf("error loading config: %w", err)
	}
	host, port, err := net.SplitHostPort(cfg.Server.Listen)
	if err != nil {
		return cc, fmt.Errorf("server.listen: %w", err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	scheme := "http"
	if t := cfg.Server.TLS; t.Enabled {
		scheme = "https"
		if cc.TLS == nil && t.CertFile == "" {
			cc.TLS = &client.TLSClientConfig{Enabled: true, CACert: filepath.Join(t.Dir, srvtls.CAName)}
		}
	}
	cc.BaseURL = scheme + "://" + net.JoinHostPort(host, port) + strings.TrimRight(cfg.Server.BasePath, "/")
	return cc, nil
}

func (c command) Start(ctx context.Context) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	h, err := cl.Start(ctx)
	if err != nil {
		return describe(err)
	}
	printJSON(c.out(), h)
	return nil
}

func (c command) Stop(ctx context.Context) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	sum, err := cl.Stop(ctx)
	if err != nil {
		return describe(err)
	}
	if sum.SessionID == "" {
		_, _ = fmt.Fprintln(c.out(), "no active session")
		return nil
	}
	printJSON(c.out(), sum)
	return nil
}

func (c command) Status(ctx context.Context) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	st, err := cl.Status(ctx)
	if err != nil {
		return describe(err)
	}
	printJSON(c.out(), st)
	return nil
}

func (c command) Acquire(ctx context.Context, f AcquireFlags) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	s, err := cl.Acquire(ctx, f.Timeout)
	if err != nil {
		return describe(err)
	}
	printJSON(c.out(), s)
	return nil
}

func (c command) Emergency(ctx context.Context, f EmergencyFlags) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	if !f.On && !f.Off {
		active, err := cl.Emergency(ctx)
		if err != nil {
			return describe(err)
		}
		printJSON(c.out(), client.EmergencyState{Active: active})
		return nil
	}
	st, err := cl.SetEmergency(ctx, f.On)
	if err != nil {
		return describe(err)
	}
	printJSON(c.out(), st)
	if !st.Acknowledged {
		return fmt.Errorf("collector did not acknowledge the emergency change")
	}
	return nil
}

func (c command) Watch(ctx context.Context, f WatchFlags) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	seen := 0
	enc := json.NewEncoder(c.out())
	return cl.Watch(ctx, func(a client.Accepted) {
		_ = enc.Encode(a)
		seen++
		if f.Count > 0 && seen >= f.Count {
			cancel()
		}
	})
}

// describe adds a hint for the API errors a user can act on.
func describe(err error) error {
	switch client.StatusCode(err) {
	case 0:
		return fmt.Errorf("daemon not reachable - please start daemon first with 'trackr serve': %w", err)
	case http.StatusForbidden:
		return fmt.Errorf("location permission denied: %w", err)
	case http.StatusGatewayTimeout:
		return fmt.Errorf("no position within timeout: %w", err)
	case http.StatusConflict:
		return fmt.Errorf("another acquisition is in progress: %w", err)
	}
	return err
}

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}
