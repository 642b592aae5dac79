// Package control serves the management commands over a unix socket.
package control

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"strings"

	"go.uber.org/zap"

	"dmrelay/logger"
)

// Stats is what the stats command reports on.
type Stats interface {
	GetStats() string
}

type Server struct {
	path     string
	stats    Stats
	shutdown func()
	log      *zap.Logger
}

// New builds a control server. shutdown is called once a client asks for it.
func New(path string, stats Stats, shutdown func(), log *zap.Logger) *Server {
	return &Server{path: path, stats: stats, shutdown: shutdown, log: logger.OrNop(log)}
}

// ListenAndServe accepts commands until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	// Remove a socket file left over by a previous run.
	os.Remove(s.path)

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}
	defer os.Remove(s.path)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.log.Info("control socket listening", zap.String("path", s.path))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("control accept failed", zap.Error(err))
			continue
		}

		go s.Handle(conn)
	}
}

// Handle answers a single command line on conn.
func (s *Server) Handle(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return
	}

	line = strings.TrimSpace(line)
	cmd, _, _ := strings.Cut(line, "|")

	switch cmd {
	case "stats":
		conn.Write([]byte("OK|" + s.stats.GetStats() + "\n"))

	case "shutdown":
		conn.Write([]byte("OK|Shutting down\n"))
		s.log.Info("shutdown requested over control socket")
		if s.shutdown != nil {
			s.shutdown()
		}

	case "":
		conn.Write([]byte("ERROR|Invalid command\n"))

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}

// Query sends one command to the control socket at path and returns the reply
// without its trailing newline.
func Query(path, command string) (string, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return "", err
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && reply == "" {
		return "", err
	}
	return strings.TrimRight(reply, "\r\n"), nil
}
