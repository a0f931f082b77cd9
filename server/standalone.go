package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Standalone is a Server together with its own port mapper, both on
// loopback ports chosen by the OS unless given.
type Standalone struct {
	Server   *Server
	EPMD     *EPMD
	EPMDPort int
	Port     int
}

// StartStandalone starts the port mapper on epmdAddr, the server on
// listenAddr, and registers one with the other. Empty addresses mean
// 127.0.0.1 with a free port.
func StartStandalone(cfg Config, epmdAddr, listenAddr string) (*Standalone, error) {
	if epmdAddr == "" {
		epmdAddr = "127.0.0.1:0"
	}
	if listenAddr == "" {
		listenAddr = "127.0.0.1:0"
	}

	epmdLn, err := net.Listen("tcp", epmdAddr)
	if err != nil {
		return nil, fmt.Errorf("epmd listen: %w", err)
	}
	epmd := NewEPMD(cfg.Logger)
	go epmd.Serve(epmdLn)

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		epmd.Close()
		return nil, fmt.Errorf("node listen: %w", err)
	}
	svr := NewServer(cfg)
	go svr.Serve(ln)

	s := &Standalone{
		Server:   svr,
		EPMD:     epmd,
		EPMDPort: epmdLn.Addr().(*net.TCPAddr).Port,
		Port:     ln.Addr().(*net.TCPAddr).Port,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svr.RegisterEPMD(ctx, net.JoinHostPort("127.0.0.1", strconv.Itoa(s.EPMDPort)), s.Port); err != nil {
		s.Close()
		return nil, fmt.Errorf("epmd register: %w", err)
	}
	return s, nil
}

func (s *Standalone) Close() error {
	err := s.Server.Shutdown(2 * time.Second)
	s.EPMD.Close()
	return err
}
