// Package server runs the accept loops: one port for file-operation
// connections, one for push-notification connections. Each accepted
// data connection gets its own worker goroutine; a worker death never
// takes an accept loop with it.
package server

import (
	"fmt"
	"net"
	"path/filepath"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/syncbox/syncbox/pkg/config"
	"github.com/syncbox/syncbox/pkg/drive"
	"github.com/syncbox/syncbox/pkg/errors"
	"github.com/syncbox/syncbox/pkg/mapper"
	"github.com/syncbox/syncbox/pkg/report"
	"github.com/syncbox/syncbox/pkg/wire"
	"github.com/syncbox/syncbox/pkg/worker"
)

var fs = afero.NewOsFs()

// StateFileName is the per-drive metadata file, kept beside the drive's
// contents so a drive can be moved wholesale.
const StateFileName = ".syncbox-drive.yaml"

// A Server owns the allocator, the notification registry, and the two
// listeners.
type Server struct {
	cfg      config.Server
	alloc    *drive.Allocator
	registry *Registry
	notifier report.Notifier
	eventLog report.EventLog
	clock    clockwork.Clock
}

// New builds a server from its config: one mapper per configured drive,
// discovered in config order (which fixes allocator tie-breaking).
func New(cfg config.Server, notifier report.Notifier, eventLog report.EventLog) (*Server, error) {
	var drives []drive.Drive
	for _, mount := range cfg.Drives {
		m, err := mapper.NewDrive(fs, mount.Root, filepath.Join(mount.Root, StateFileName))
		if err != nil {
			return nil, errors.WithContext(err, fmt.Sprintf("open drive %q", mount.Name))
		}
		drives = append(drives, drive.Drive{Name: mount.Name, Root: mount.Root, Mapper: m})
		log.WithFields(log.Fields{
			"drive": mount.Name,
			"root":  mount.Root,
		}).Info("Drive mounted")
	}
	if len(drives) == 0 {
		return nil, errors.New("no drives configured")
	}

	return &Server{
		cfg:      cfg,
		alloc:    drive.NewAllocator(drives),
		registry: NewRegistry(),
		notifier: notifier,
		eventLog: eventLog,
		clock:    clockwork.NewRealClock(),
	}, nil
}

// ListenAndServe opens both ports and serves until the data listener
// fails.
func (s *Server) ListenAndServe() error {
	dataLis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.DataPort))
	if err != nil {
		return errors.WithContext(err, "listen data port")
	}
	notifyLis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.NotifyPort))
	if err != nil {
		return errors.WithContext(err, "listen notify port")
	}

	go s.acceptNotify(notifyLis)

	log.WithFields(log.Fields{
		"dataPort":   s.cfg.DataPort,
		"notifyPort": s.cfg.NotifyPort,
	}).Info("syncbox server is ready")
	return s.acceptData(dataLis)
}

func (s *Server) acceptData(lis net.Listener) error {
	for {
		raw, err := lis.Accept()
		if err != nil {
			return errors.WithContext(err, "accept")
		}

		go func() {
			defer handlePanic()

			w := &worker.Server{
				Algo:     s.cfg.Checksum,
				Conn:     wire.NewConn(raw, s.cfg.ReadTimeout()),
				Alloc:    s.alloc,
				Registry: s.registry,
				Notifier: s.notifier,
				Log:      s.eventLog,
				Clock:    s.clock,
				Throttle: s.cfg.ChunkDelay(),
			}
			if err := w.Run(); err != nil {
				// Fatal for this connection only. The acceptor keeps
				// accepting.
				log.WithError(err).WithField(
					"peer", raw.RemoteAddr().String()).Error("Connection worker crashed")
				s.notifier.Error("Connection crashed",
					fmt.Sprintf("A client connection failed: %s.", errors.GetPrintableMessage(err)))
			}
		}()
	}
}

// acceptNotify parks notification connections: the first line a client
// sends is its username, and nothing else is expected from it.
func (s *Server) acceptNotify(lis net.Listener) {
	for {
		raw, err := lis.Accept()
		if err != nil {
			log.WithError(err).Error("Notification accept loop stopped")
			return
		}

		go func() {
			defer handlePanic()

			conn := wire.NewConn(raw, s.cfg.ReadTimeout())
			user, err := conn.ReadLine()
			if err != nil || user == "" {
				log.WithError(err).Debug("Notification connection without a username")
				if err := conn.Close(); err != nil {
					log.WithError(err).Debug("Failed to close notification connection")
				}
				return
			}
			s.registry.Register(user, conn)
		}()
	}
}

// Online exposes the registry's view of connected receivers.
func (s *Server) Online() []string {
	return s.registry.Online()
}

func handlePanic() {
	if r := recover(); r != nil {
		log.WithField("panic", r).Error("Recovered from panic in connection handler")
	}
}
