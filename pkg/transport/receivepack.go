package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/odvcencio/grit/pkg/gitid"
	"github.com/odvcencio/grit/pkg/pktline"
	"github.com/odvcencio/grit/pkg/refs"
)

func receivePackCaps() CapabilityList {
	return CapabilityList{
		CapReportStatus: "",
		CapDeleteRefs:   "",
		CapOfsDelta:     "",
		CapAtomic:       "",
		CapSideBand64k:  "",
		CapPushOptions:  "",
		CapObjectFormat: objectFormatSHA1,
		CapAgent:        DefaultAgent,
	}
}

// ServeReceivePack runs the server side of a push over conn: advertise,
// read the command list and pack, check connectivity, apply updates, and
// report per-ref status.
func ServeReceivePack(ctx context.Context, conn Conn, sr *ServerRepo) error {
	advertised, _, err := sr.advertisedRefs()
	if err != nil {
		return err
	}
	if err := WriteAdvertisementV0(conn, advertised, receivePackCaps()); err != nil {
		return err
	}

	pr := pktline.NewReader(conn)
	cmds, clientCaps, err := readCommandList(pr)
	if err != nil {
		if errors.Is(err, io.EOF) {
			// Client hung up after the advertisement.
			return nil
		}
		return err
	}
	if len(cmds) == 0 {
		return nil
	}

	unpackStatus := "ok"
	hasUpdate := false
	for _, cmd := range cmds {
		if !cmd.New.IsZero() {
			hasUpdate = true
		}
	}
	if hasUpdate {
		if _, err := sr.DB.NewInserter().InsertPack(conn); err != nil {
			unpackStatus = err.Error()
		}
	}

	statuses := make([]string, len(cmds))
	if unpackStatus == "ok" {
		applyCommands(ctx, sr, advertised, cmds, clientCaps.Supports(CapAtomic), statuses)
	} else {
		for i := range statuses {
			statuses[i] = "unpacker error"
		}
	}

	var buf []byte
	buf = pktline.AppendString(buf, "unpack "+unpackStatus+"\n")
	for i, cmd := range cmds {
		if statuses[i] == "" {
			buf = pktline.AppendString(buf, "ok "+cmd.RefName+"\n")
		} else {
			buf = pktline.AppendString(buf, "ng "+cmd.RefName+" "+statuses[i]+"\n")
		}
	}
	buf = pktline.AppendFlush(buf)
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

func readCommandList(pr *pktline.Reader) ([]PushCommand, CapabilityList, error) {
	var cmds []PushCommand
	caps := CapabilityList{}
	first := true
	for pr.Next() {
		if pr.Type() == pktline.Flush {
			return cmds, caps, nil
		}
		line, err := pr.Text()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		if first {
			if nul := bytes.IndexByte(line, 0); nul >= 0 {
				caps, err = ParseCapabilities(line[nul+1:])
				if err != nil {
					return nil, nil, fmt.Errorf("%w: %v", ErrProtocol, err)
				}
				line = line[:nul]
			}
			first = false
		}
		cmd, err := parseCommandLine(line)
		if err != nil {
			return nil, nil, err
		}
		cmds = append(cmds, cmd)
	}
	err := pr.Err()
	if errors.Is(err, io.EOF) && len(cmds) == 0 {
		return nil, caps, io.EOF
	}
	return nil, nil, fmt.Errorf("%w: %v", ErrProtocol, err)
}

func parseCommandLine(line []byte) (PushCommand, error) {
	fields := bytes.SplitN(line, []byte(" "), 3)
	if len(fields) != 3 {
		return PushCommand{}, fmt.Errorf("%w: malformed command %q", ErrProtocol, line)
	}
	var cmd PushCommand
	if err := cmd.Old.UnmarshalText(fields[0]); err != nil {
		return PushCommand{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if err := cmd.New.UnmarshalText(fields[1]); err != nil {
		return PushCommand{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	cmd.RefName = string(fields[2])
	if !refs.ValidName(cmd.RefName) {
		return PushCommand{}, fmt.Errorf("%w: invalid ref name %q", ErrProtocol, cmd.RefName)
	}
	return cmd, nil
}

// applyCommands validates and applies the ref updates. With atomic, a
// single failure leaves every ref untouched.
func applyCommands(ctx context.Context, sr *ServerRepo, advertised []*AdvertisedRef, cmds []PushCommand, atomic bool, statuses []string) {
	assumed := make([]gitid.ID, 0, len(advertised))
	for _, r := range advertised {
		assumed = append(assumed, r.ID)
	}

	// Validate every command before touching any ref.
	for i, cmd := range cmds {
		if err := ctx.Err(); err != nil {
			statuses[i] = "cancelled"
			continue
		}
		if !cmd.Old.IsZero() && !sr.DB.HasObject(cmd.Old) {
			statuses[i] = "missing necessary objects"
			continue
		}
		if !cmd.New.IsZero() {
			if err := CheckConnectivity(sr.DB, []gitid.ID{cmd.New}, assumed); err != nil {
				statuses[i] = "missing necessary objects"
				continue
			}
		}
		if current, err := sr.Refs.Read(cmd.RefName); err == nil {
			if current.ID != cmd.Old {
				statuses[i] = "fetch first"
			}
		} else if !errors.Is(err, refs.ErrNotFound) {
			statuses[i] = "ref read failure"
		} else if !cmd.Old.IsZero() {
			statuses[i] = "fetch first"
		}
	}

	if atomic {
		for _, st := range statuses {
			if st != "" {
				// Poison the rest: nothing is applied.
				for i, cur := range statuses {
					if cur == "" {
						statuses[i] = "atomic push failed"
					}
				}
				return
			}
		}
	}

	for i, cmd := range cmds {
		if statuses[i] != "" {
			continue
		}
		var err error
		if cmd.New.IsZero() {
			err = sr.Refs.Delete(cmd.RefName, cmd.Old)
		} else {
			err = sr.Refs.Update(cmd.RefName, cmd.Old, cmd.New, sr.Ident, "push")
		}
		switch {
		case err == nil:
		case errors.Is(err, refs.ErrLockConflict):
			statuses[i] = "failed to lock"
		case errors.Is(err, refs.ErrStale):
			statuses[i] = "fetch first"
		default:
			statuses[i] = "failed to update ref"
		}
	}
}
