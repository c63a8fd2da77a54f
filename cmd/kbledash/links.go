package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/sodovaya/kbledash/internal/ant"
	"github.com/sodovaya/kbledash/internal/gps"
	"github.com/sodovaya/kbledash/internal/kelly"
	"github.com/sodovaya/kbledash/internal/link"
	"github.com/sodovaya/kbledash/internal/server"
	"github.com/sodovaya/kbledash/internal/transport"
)

// openTransport builds the link described by lc. frames regroups serial
// bridge output into protocol units and may be nil.
func openTransport(name string, lc server.LinkConfig, sim link.Transport, frames transport.Splitter, log logrus.FieldLogger) (link.Transport, error) {
	switch lc.Transport {
	case "sim", "":
		return sim, nil
	case "serial":
		return transport.NewSerial(transport.SerialConfig{
			PortPath: lc.PortPath,
			BaudRate: lc.BaudRate,
			Splitter: frames,
			Logger:   log,
		}), nil
	case "websocket":
		password := lc.Password
		if lc.Username != "" && password == "" {
			var err error
			password, err = getPassword(name)
			if err != nil {
				return nil, err
			}
		}
		return transport.NewWebSocket(transport.WebSocketConfig{
			URL:           lc.URL,
			Username:      lc.Username,
			Password:      password,
			SkipSSLVerify: lc.SkipSSLVerify,
			Logger:        log,
		}), nil
	default:
		return nil, fmt.Errorf("%s: unknown transport %q", name, lc.Transport)
	}
}

// getPassword prompts for a gateway password without echo.
func getPassword(name string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s gateway password: ", name)

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Not a terminal; read a plain line instead
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %v", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

func newBMSSession(cfg *server.Config, log logrus.FieldLogger) (*ant.Session, error) {
	t, err := openTransport("bms", cfg.BMS.LinkConfig, transport.NewSimBMS(), nil, log)
	if err != nil {
		return nil, err
	}
	return ant.NewSession(t, ant.SessionConfig{
		ResponseTimeout: cfg.BMS.ResponseTimeout,
		Logger:          log,
	}), nil
}

func newControllerSession(cfg *server.Config, log logrus.FieldLogger) (*kelly.Session, error) {
	t, err := openTransport("controller", cfg.Controller.LinkConfig, transport.NewSimController(), &kelly.Splitter{}, log)
	if err != nil {
		return nil, err
	}
	return kelly.NewSession(t, kelly.SessionConfig{
		CommandGap: cfg.Controller.CommandGap,
		Logger:     log,
	}), nil
}

func newGPSProvider(cfg server.GPSConfig, log logrus.FieldLogger) gps.Provider {
	switch cfg.Type {
	case "nmea":
		return gps.NewNMEA(gps.NMEAConfig{
			PortPath: cfg.PortPath,
			BaudRate: cfg.BaudRate,
			Logger:   log,
		})
	case "disabled":
		return nil
	default:
		return gps.NewDemoGPS()
	}
}
