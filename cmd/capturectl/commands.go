package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/capturectl"
	"github.com/loykin/capturectl/pkg/client"
)

func runServe(ctx context.Context, flags *ServeFlags, args []string) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}
	cfg, err := capturectl.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	pidFile := flags.PidFile
	if pidFile == "" {
		pidFile = cfg.Server.PidFile
	}
	if flags.Daemonize {
		logFile := flags.LogFile
		if logFile == "" {
			logFile = cfg.Server.LogFile
		}
		return daemonize(pidFile, logFile)
	}
	if pidFile != "" {
		if err := writePidFile(pidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(pidFile) }()
	}

	s, err := capturectl.Open(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx)
}

// openLocal builds a supervisor over the configured registry for one CLI
// invocation. Metrics are not registered.
func openLocal(g *GlobalFlags) (*capturectl.Supervisor, error) {
	cfg, err := capturectl.LoadConfig(g.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	cfg.Metrics.Enabled = false
	return capturectl.Open(cfg)
}

func newClient(f APIFlags) (*client.Client, error) {
	return client.New(client.Config{
		BaseURL: f.APIUrl,
		Timeout: f.APITimeout,
		TLS: client.TLSConfig{
			CACert:     f.CACert,
			ClientCert: f.ClientCert,
			ClientKey:  f.ClientKey,
			ServerName: f.ServerName,
			Insecure:   f.Insecure,
		},
	})
}

func runCapture(cmd *cobra.Command, g *GlobalFlags, f *CaptureFlags) error {
	dur := f.Duration
	if f.remote() {
		c, err := newClient(f.APIFlags)
		if err != nil {
			return err
		}
		res, err := c.StartCapture(cmd.Context(), client.CaptureRequest{
			Output:      f.Output,
			Interface:   f.Interface,
			Filter:      f.Filter,
			Duration:    &dur,
			Promiscuous: f.Promiscuous,
		})
		if err != nil {
			return err
		}
		printJSON(cmd.OutOrStdout(), res)
		return nil
	}

	s, err := openLocal(g)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	att, err := s.Launch(context.WithoutCancel(cmd.Context()), capturectl.Request{
		Output:      f.Output,
		Interface:   f.Interface,
		Filter:      f.Filter,
		Duration:    &dur,
		Promiscuous: f.Promiscuous,
	})
	if err != nil {
		return err
	}
	sigCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	select {
	case <-att.Done():
	case <-sigCtx.Done():
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "stopping capture %s\n", att.Key())
		s.StopCapture(att.Key())
		<-att.Done()
	}
	res := att.Wait()
	if !res.Success {
		return errors.New(res.Message)
	}
	printJSON(cmd.OutOrStdout(), client.Result{Success: true, Message: res.Location})
	return nil
}

func runStop(cmd *cobra.Command, g *GlobalFlags, f *StopFlags, key string) error {
	var res client.Result
	if f.remote() {
		c, err := newClient(f.APIFlags)
		if err != nil {
			return err
		}
		res, err = c.StopCapture(cmd.Context(), key)
		if err != nil {
			return err
		}
	} else {
		s, err := openLocal(g)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()
		if key == "" {
			// nothing is live in this process; every tracked capture is in the registry
			if n := s.StopOrphans(); n > 0 {
				res = client.Result{Success: true, Message: fmt.Sprintf("Stop signal sent for %d active capture(s).", n)}
			} else {
				res = client.Result{Message: "No active captures running."}
			}
		} else {
			r := s.StopCapture(key)
			res = client.Result{Success: r.Success, Message: r.Message}
		}
	}
	if !res.Success {
		return errors.New(res.Message)
	}
	printJSON(cmd.OutOrStdout(), res)
	return nil
}

func runStopAll(cmd *cobra.Command, g *GlobalFlags, f *StopFlags) error {
	var n int
	if f.remote() {
		c, err := newClient(f.APIFlags)
		if err != nil {
			return err
		}
		if n, err = c.StopAll(cmd.Context()); err != nil {
			return err
		}
	} else {
		s, err := openLocal(g)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()
		n = s.StopOrphans()
		s.StopAll()
	}
	printJSON(cmd.OutOrStdout(), map[string]any{"success": true, "stopped": n})
	return nil
}

func runList(cmd *cobra.Command, g *GlobalFlags, f *ListFlags) error {
	if f.remote() {
		c, err := newClient(f.APIFlags)
		if err != nil {
			return err
		}
		caps, err := c.ListCaptures(cmd.Context())
		if err != nil {
			return err
		}
		printJSON(cmd.OutOrStdout(), caps)
		return nil
	}
	s, err := openLocal(g)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	caps := s.ListCaptures()
	if caps == nil {
		caps = []capturectl.CaptureInfo{}
	}
	printJSON(cmd.OutOrStdout(), caps)
	return nil
}

func runInterfaces(cmd *cobra.Command, g *GlobalFlags, f *ListFlags) error {
	if f.remote() {
		c, err := newClient(f.APIFlags)
		if err != nil {
			return err
		}
		ifaces, err := c.ListInterfaces(cmd.Context())
		if err != nil {
			return err
		}
		printJSON(cmd.OutOrStdout(), ifaces)
		return nil
	}
	s, err := openLocal(g)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	ifaces, err := s.ListInterfaces(cmd.Context())
	if err != nil {
		return err
	}
	printJSON(cmd.OutOrStdout(), ifaces)
	return nil
}
