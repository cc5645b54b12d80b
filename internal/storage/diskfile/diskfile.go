// Package diskfile encodes object versions as files. Every version of a key
// lives in the key's hash directory as "<timestamp>.<state>", where state is
// one of data, ts or expired. A file is a checksummed frame holding a JSON
// header followed by the zstd compressed payload.
package diskfile

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/devrev/pairdb/objectnode/internal/errors"
	"github.com/devrev/pairdb/objectnode/internal/model"
	"github.com/devrev/pairdb/objectnode/internal/util"
	"github.com/klauspost/compress/zstd"
)

const tmpPrefix = ".tmp-"

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

type header struct {
	Path          string            `json:"path"`
	Timestamp     model.Timestamp   `json:"timestamp"`
	State         model.RecordState `json:"state"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	ContentLength int64             `json:"content_length"`
}

// Version is one file in a hash directory.
type Version struct {
	Name      string
	Timestamp model.Timestamp
	State     model.RecordState
}

// FileName returns the file name for a version.
func FileName(ts model.Timestamp, state model.RecordState) string {
	return ts.Internal() + "." + string(state)
}

// ParseFileName reverses FileName.
func ParseFileName(name string) (Version, bool) {
	if strings.HasPrefix(name, tmpPrefix) {
		return Version{}, false
	}
	idx := strings.LastIndexByte(name, '.')
	if idx <= 0 {
		return Version{}, false
	}
	state := model.RecordState(name[idx+1:])
	if !state.Valid() {
		return Version{}, false
	}
	ts, err := model.ParseTimestamp(name[:idx])
	if err != nil {
		return Version{}, false
	}
	return Version{Name: name, Timestamp: ts, State: state}, true
}

// Encode serializes a record into a frame.
func Encode(rec *model.ObjectRecord) ([]byte, error) {
	h := header{
		Path:          rec.Key.Path(),
		Timestamp:     rec.Timestamp,
		State:         rec.State,
		Metadata:      rec.Metadata,
		ContentLength: int64(len(rec.Data)),
	}
	hdr, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}

	body := make([]byte, 4, 4+len(hdr)+len(rec.Data)/2)
	binary.BigEndian.PutUint32(body, uint32(len(hdr)))
	body = append(body, hdr...)
	if rec.State == model.StateLive && len(rec.Data) > 0 {
		body = encoder.EncodeAll(rec.Data, body)
	}
	return util.AppendChecksum(body), nil
}

// Decode parses a frame. Payload decompression is skipped unless withData.
func Decode(frame []byte, withData bool) (*model.ObjectRecord, error) {
	body, ok := util.ValidateAndStripChecksum(frame)
	if !ok {
		return nil, errors.CorruptedData("checksum mismatch", nil)
	}
	if len(body) < 4 {
		return nil, errors.CorruptedData("truncated header", nil)
	}
	hdrLen := int(binary.BigEndian.Uint32(body))
	if 4+hdrLen > len(body) {
		return nil, errors.CorruptedData("header length exceeds frame", nil)
	}

	var h header
	if err := json.Unmarshal(body[4:4+hdrLen], &h); err != nil {
		return nil, errors.CorruptedData("invalid header", err)
	}
	key, ok := model.ParseObjectPath(h.Path)
	if !ok {
		return nil, errors.CorruptedData(fmt.Sprintf("invalid path %q", h.Path), nil)
	}

	rec := &model.ObjectRecord{
		Key:       key,
		Metadata:  h.Metadata,
		Timestamp: h.Timestamp,
		State:     h.State,
	}
	if withData && h.State == model.StateLive {
		rec.Data = []byte{}
		if payload := body[4+hdrLen:]; len(payload) > 0 {
			data, err := decoder.DecodeAll(payload, make([]byte, 0, h.ContentLength))
			if err != nil {
				return nil, errors.CorruptedData("failed to decompress payload", err)
			}
			if int64(len(data)) != h.ContentLength {
				return nil, errors.CorruptedData(
					fmt.Sprintf("content length %d does not match header %d", len(data), h.ContentLength), nil)
			}
			rec.Data = data
		}
	}
	return rec, nil
}

// WriteFile writes rec into dir under its version name. The file is written
// to a temporary name and renamed so readers never see a partial version.
func WriteFile(dir string, rec *model.ObjectRecord, sync bool) (string, error) {
	frame, err := Encode(rec)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.StorageIO("failed to create hash directory", err)
	}

	tmp, err := os.CreateTemp(dir, tmpPrefix)
	if err != nil {
		return "", errors.StorageIO("failed to create temp file", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(frame); err != nil {
		tmp.Close()
		return "", errors.StorageIO("failed to write object file", err)
	}
	if sync {
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			return "", errors.StorageIO("failed to sync object file", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return "", errors.StorageIO("failed to close object file", err)
	}

	final := filepath.Join(dir, FileName(rec.Timestamp, rec.State))
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", errors.StorageIO("failed to rename object file", err)
	}
	return final, nil
}

// ReadFile reads and decodes one version file.
func ReadFile(path string, withData bool) (*model.ObjectRecord, error) {
	frame, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.StorageIO("failed to read object file", err).WithDetail("path", path)
	}
	rec, err := Decode(frame, withData)
	if err != nil {
		if se, ok := err.(*errors.StorageError); ok {
			se.WithDetail("path", path)
		}
		return nil, err
	}
	return rec, nil
}

// ListVersions returns the versions in dir, newest first. A missing directory
// has no versions.
func ListVersions(dir string) ([]Version, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.StorageIO("failed to list hash directory", err).WithDetail("path", dir)
	}

	versions := make([]Version, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if v, ok := ParseFileName(e.Name()); ok {
			versions = append(versions, v)
		}
	}
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Timestamp > versions[j].Timestamp
	})
	return versions, nil
}

// Newest returns the newest version in dir, if any.
func Newest(dir string) (*Version, error) {
	versions, err := ListVersions(dir)
	if err != nil || len(versions) == 0 {
		return nil, err
	}
	return &versions[0], nil
}

// Cleanup removes every version in dir except the newest, plus leftover
// temporary files. It returns the number of files removed.
func Cleanup(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.StorageIO("failed to list hash directory", err).WithDetail("path", dir)
	}

	var newest *Version
	var stale []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), tmpPrefix) {
			stale = append(stale, e.Name())
			continue
		}
		v, ok := ParseFileName(e.Name())
		if !ok {
			continue
		}
		if newest == nil || v.Timestamp > newest.Timestamp {
			if newest != nil {
				stale = append(stale, newest.Name)
			}
			vv := v
			newest = &vv
		} else {
			stale = append(stale, v.Name)
		}
	}

	removed := 0
	for _, name := range stale {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return removed, errors.StorageIO("failed to remove old version", err).WithDetail("path", name)
		}
		removed++
	}
	return removed, nil
}
