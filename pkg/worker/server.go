package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/syncbox/syncbox/pkg/drive"
	"github.com/syncbox/syncbox/pkg/errors"
	"github.com/syncbox/syncbox/pkg/mapper"
	"github.com/syncbox/syncbox/pkg/report"
	"github.com/syncbox/syncbox/pkg/wire"
)

// A Pusher delivers asynchronous notifications to a receiver's open
// notification connection, if one exists.
type Pusher interface {
	Push(user string, cmd wire.Command) bool
}

// A Server handles the commands of one accepted connection until the
// client finishes or a fatal condition stops the worker. Each mutating
// command leases a drive from the allocator for its duration.
type Server struct {
	Algo string

	Conn     *wire.Conn
	Alloc    *drive.Allocator
	Registry Pusher

	Notifier report.Notifier
	Log      report.EventLog

	Clock    clockwork.Clock
	Throttle time.Duration
}

// Run processes commands until FinishConnection. The connection is
// closed on the way out.
func (s *Server) Run() error {
	defer s.Conn.Close()

	for {
		cmd, err := s.Conn.ReadCommand()
		if err != nil {
			if err == errors.ErrConnectionClosed {
				log.Debug("Client went away without FinishConnection")
				return nil
			}
			return err
		}

		log.WithFields(log.Fields{
			"command": cmd.Kind.String(),
			"user":    cmd.User,
			"file":    cmd.File,
		}).Debug("Handling command")

		var handleErr error
		switch cmd.Kind {
		case wire.CreateFile, wire.UpdateFile:
			handleErr = s.receiveFile(cmd)
		case wire.DeleteFile:
			handleErr = s.deleteFile(cmd)
		case wire.ShareFile, wire.UnshareFile:
			handleErr = s.shareFile(cmd)
		case wire.RequestFile:
			handleErr = s.sendFile(cmd)
		case wire.RequestMapping:
			handleErr = s.sendMapping(cmd)
		case wire.RequestUsers:
			handleErr = s.sendUsers(cmd)
		case wire.RequestReceivers:
			handleErr = s.sendReceivers(cmd)
		case wire.FinishConnection:
			return nil
		}
		if handleErr != nil {
			s.Log.Append(report.Entry{
				User: cmd.User, Path: cmd.File, Op: cmd.Kind.String(),
				Outcome: "fatal", Detail: handleErr.Error(),
			})
			return handleErr
		}
	}
}

// receiveFile accepts an upload. CreateFile requires the file to be new;
// UpdateFile requires it to exist and pins the drive that holds it. The
// contents land in a shadow temp file and are published atomically after
// the checksum verifies.
func (s *Server) receiveFile(cmd wire.Command) error {
	driveName, exists := s.Alloc.Find(cmd.User, cmd.File)

	var lease *drive.Handle
	switch {
	case cmd.Kind == wire.CreateFile && exists:
		return s.decline(cmd, wire.TokenNo)
	case cmd.Kind == wire.UpdateFile && !exists:
		if !s.Alloc.HasUser(cmd.User) {
			return s.decline(cmd, wire.TokenNoUser)
		}
		return s.decline(cmd, wire.TokenNo)
	case cmd.Kind == wire.CreateFile:
		lease = s.Alloc.Acquire()
	default:
		var err error
		lease, err = s.Alloc.ForceAcquire(driveName)
		if err != nil {
			return errors.WithContext(err, "pin drive")
		}
	}
	defer s.Alloc.Release(lease)

	if err := s.Conn.WriteToken(wire.TokenOK); err != nil {
		return err
	}

	target := filepath.Join(lease.Mapper.OwnerRoot(cmd.User), filepath.FromSlash(cmd.File))
	tmp, err := receiveToTemp(s.Conn, filepath.Dir(target), cmd.Size,
		cmd.Checksum, s.Algo, s.streamOptions())
	if err != nil {
		if errors.RootCause(err) == errors.ErrFileChanged {
			// The payload arrived whole but doesn't match the advertised
			// checksum. The stream is still framed correctly, so the
			// connection survives; the record is simply not taken.
			log.WithFields(log.Fields{
				"user": cmd.User,
				"file": cmd.File,
			}).Warn("Rejecting upload with mismatched checksum")
			s.logOp(cmd, "rejected", "checksum mismatch")
			return nil
		}
		return errors.WithContext(err, "receive upload")
	}

	if err := publish(tmp, target); err != nil {
		return err
	}

	var attachErr error
	if cmd.Kind == wire.CreateFile {
		_, attachErr = lease.Mapper.Attach(target, cmd.User, cmd.Checksum)
	} else {
		_, attachErr = lease.Mapper.Update(target, cmd.User, cmd.Checksum)
	}
	if attachErr != nil {
		return errors.WithContext(attachErr, "record upload")
	}

	s.logOp(cmd, "ok", fmt.Sprintf("%d bytes on %s", cmd.Size, lease.Name))
	return nil
}

func (s *Server) deleteFile(cmd wire.Command) error {
	if !s.Alloc.HasUser(cmd.User) {
		return s.decline(cmd, wire.TokenNoUser)
	}
	driveName, ok := s.Alloc.Find(cmd.User, cmd.File)
	if !ok {
		return s.decline(cmd, wire.TokenNo)
	}

	lease, err := s.Alloc.ForceAcquire(driveName)
	if err != nil {
		return errors.WithContext(err, "pin drive")
	}
	defer s.Alloc.Release(lease)

	abs := filepath.Join(lease.Mapper.OwnerRoot(cmd.User), filepath.FromSlash(cmd.File))
	if _, err := lease.Mapper.Detach(abs, cmd.User); err != nil {
		return errors.WithContext(err, "detach")
	}
	if err := fs.Remove(abs); err != nil && !os.IsNotExist(err) {
		return errors.WithContext(err, "remove")
	}

	if err := s.Conn.WriteToken(wire.TokenOK); err != nil {
		return err
	}
	s.logOp(cmd, "ok", "removed from "+lease.Name)
	return nil
}

// shareFile grants or revokes access and, when the receiver has a
// notification connection open, pushes the event to them immediately.
func (s *Server) shareFile(cmd wire.Command) error {
	if !s.Alloc.HasUser(cmd.User) {
		return s.decline(cmd, wire.TokenNoUser)
	}
	driveName, ok := s.Alloc.Find(cmd.User, cmd.File)
	if !ok {
		return s.decline(cmd, wire.TokenNo)
	}

	lease, err := s.Alloc.ForceAcquire(driveName)
	if err != nil {
		return errors.WithContext(err, "pin drive")
	}
	defer s.Alloc.Release(lease)

	abs := filepath.Join(lease.Mapper.OwnerRoot(cmd.User), filepath.FromSlash(cmd.File))
	var changed bool
	if cmd.Kind == wire.ShareFile {
		changed, err = lease.Mapper.Share(abs, cmd.User, cmd.Receiver)
	} else {
		changed, err = lease.Mapper.Unshare(abs, cmd.User, cmd.Receiver)
	}
	if err != nil {
		return errors.WithContext(err, "record grant")
	}
	if !changed {
		return s.decline(cmd, wire.TokenNo)
	}

	if err := s.Conn.WriteToken(wire.TokenOK); err != nil {
		return err
	}

	if s.Registry != nil && s.Registry.Push(cmd.Receiver, cmd) {
		log.WithFields(log.Fields{
			"receiver": cmd.Receiver,
			"file":     cmd.File,
		}).Debug("Pushed share notification")
	}
	s.logOp(cmd, "ok", "receiver "+cmd.Receiver)
	return nil
}

func (s *Server) sendFile(cmd wire.Command) error {
	if !s.Alloc.HasUser(cmd.User) {
		return s.decline(cmd, wire.TokenNoUser)
	}
	driveName, ok := s.Alloc.Find(cmd.User, cmd.File)
	if !ok {
		return s.decline(cmd, wire.TokenNo)
	}

	lease, err := s.Alloc.ForceAcquire(driveName)
	if err != nil {
		return errors.WithContext(err, "pin drive")
	}
	defer s.Alloc.Release(lease)

	record, ok := lease.Mapper.Lookup(cmd.User, cmd.File)
	if !ok {
		return s.decline(cmd, wire.TokenNo)
	}

	abs := filepath.Join(lease.Mapper.OwnerRoot(cmd.User), filepath.FromSlash(cmd.File))
	f, err := fs.Open(abs)
	if err != nil {
		return errors.WithContext(err, "open")
	}
	defer f.Close()

	frame := wire.Command{
		Kind: wire.UpdateFile, User: cmd.User, File: cmd.File,
		Size: record.Size, Checksum: record.Checksum,
	}
	if err := s.Conn.WriteCommand(frame); err != nil {
		return err
	}
	if err := s.Conn.SendStream(f, record.Size, s.streamOptions()); err != nil {
		return errors.WithContext(err, "send contents")
	}

	s.logOp(cmd, "ok", fmt.Sprintf("%d bytes from %s", record.Size, lease.Name))
	return nil
}

func (s *Server) sendMapping(cmd wire.Command) error {
	if !s.Alloc.HasUser(cmd.User) {
		return s.decline(cmd, wire.TokenNoUser)
	}

	payload, err := s.Alloc.Mapping(cmd.User).Marshal()
	if err != nil {
		return err
	}
	return s.Conn.SendBlob(cmd.User, "mapping", payload)
}

func (s *Server) sendUsers(cmd wire.Command) error {
	payload, err := mapper.MarshalNames(s.Alloc.Users())
	if err != nil {
		return err
	}
	return s.Conn.SendBlob(cmd.User, "users", payload)
}

func (s *Server) sendReceivers(cmd wire.Command) error {
	if !s.Alloc.HasUser(cmd.User) {
		return s.decline(cmd, wire.TokenNoUser)
	}
	receivers, ok := s.Alloc.Receivers(cmd.User, cmd.File)
	if !ok {
		return s.decline(cmd, wire.TokenNo)
	}

	payload, err := mapper.MarshalNames(receivers)
	if err != nil {
		return err
	}
	return s.Conn.SendBlob(cmd.User, "receivers", payload)
}

// decline answers a command with a negative token. Declines are job
// outcomes, not worker failures: the loop keeps serving.
func (s *Server) decline(cmd wire.Command, token string) error {
	s.logOp(cmd, "declined", token)
	return s.Conn.WriteToken(token)
}

func (s *Server) streamOptions() wire.StreamOptions {
	return wire.StreamOptions{Throttle: s.Throttle, Clock: s.Clock}
}

func (s *Server) logOp(cmd wire.Command, outcome, detail string) {
	s.Log.Append(report.Entry{
		User: cmd.User, Path: cmd.File, Op: cmd.Kind.String(),
		Outcome: outcome, Detail: detail,
	})
}
