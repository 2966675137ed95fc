package r2

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/bunflare/pkg/metrics"
	"github.com/cuemby/bunflare/pkg/storage"
)

// Limits bounds object and request sizes. DefaultLimits holds R2's
// defaults; New applies whatever Limits its caller passes, and the
// configuration file has no per-bucket limit fields.
type Limits struct {
	KeyMaxBytes            int
	CustomMetadataMaxBytes int
	BatchDeleteMaxKeys     int
	MultipartMaxParts      int
	MultipartMinPartSize   int64
}

// DefaultLimits returns R2's documented defaults.
func DefaultLimits() Limits {
	return Limits{
		KeyMaxBytes:            1024,
		CustomMetadataMaxBytes: 2048,
		BatchDeleteMaxKeys:     1000,
		MultipartMaxParts:      10000,
		MultipartMinPartSize:   5 << 20,
	}
}

// OnlyIf expresses a conditional request.
type OnlyIf struct {
	EtagMatches      []string
	EtagDoesNotMatch []string
	UploadedBefore   *time.Time
	UploadedAfter    *time.Time
}

// Object is an object's metadata without its body.
type Object struct {
	Key             string
	Size            int64
	ETag            string
	HTTPMetadata    map[string]string
	CustomMetadata  map[string]string
	UploadedAt      time.Time
	Range           *ServedRange // set when the read was a range read
}

// ServedRange reports the byte range actually returned.
type ServedRange struct {
	Offset int64
	Length int64
}

// Range requests a sub-range of an object: either Offset/Length, or Suffix
// for the last N bytes.
type Range struct {
	Offset int64
	Length int64
	Suffix int64
}

// PutOptions configures a put's metadata and conditional check.
type PutOptions struct {
	HTTPMetadata   map[string]string
	CustomMetadata map[string]string
	OnlyIf         *OnlyIf
}

// GetOptions configures a get's conditional check and byte range.
type GetOptions struct {
	OnlyIf *OnlyIf
	Range  *Range
}

// ListOptions configures List.
type ListOptions struct {
	Prefix    string
	Delimiter string
	Cursor    string
	Limit     int
}

// ListResult is List's response shape.
type ListResult struct {
	Objects           []Object
	Truncated         bool
	Cursor            string
	DelimitedPrefixes []string
}

// ErrConditionFailed marks a put/get whose onlyIf condition did not hold.
var ErrConditionFailed = errors.New("r2: condition failed")

// ErrKeyTooLong marks a key exceeding Limits.KeyMaxBytes or containing a
// ".." path segment.
var ErrKeyTooLong = errors.New("r2: invalid key")

// Bucket is a single R2 binding.
type Bucket struct {
	store  *storage.Store
	bucket string
	slot   string
	limits Limits
}

// New returns an R2 binding over bucket name, backed by store.
func New(store *storage.Store, bucket, slot string, limits Limits) *Bucket {
	return &Bucket{store: store, bucket: bucket, slot: slot, limits: limits}
}

func (b *Bucket) observe(method string) func(*error) {
	timer := metrics.NewTimer()
	return func(errp *error) {
		metrics.BindingOpsTotal.WithLabelValues("r2", b.slot, method).Inc()
		metrics.BindingOpDuration.WithLabelValues("r2", b.slot, method).Observe(timer.Duration().Seconds())
		if errp != nil && *errp != nil {
			metrics.BindingOpErrorsTotal.WithLabelValues("r2", b.slot, method).Inc()
		}
	}
}

func (b *Bucket) validateKey(key string) error {
	if len(key) == 0 || len(key) > b.limits.KeyMaxBytes {
		return ErrKeyTooLong
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return ErrKeyTooLong
		}
	}
	return nil
}

func (b *Bucket) bodyPath(key string) string {
	sum := sha256.Sum256([]byte(b.bucket + "\x00" + key))
	return filepath.Join(b.store.ObjectRoot(), b.bucket, hex.EncodeToString(sum[:])+".bin")
}

func (b *Bucket) partPath(uploadID string, partNumber int) string {
	return filepath.Join(b.store.ObjectRoot(), "multipart", uploadID, strconv.Itoa(partNumber)+".part")
}

// Put writes body under key, subject to an optional condition. A failed
// condition returns (nil, ErrConditionFailed) without writing.
func (b *Bucket) Put(ctx context.Context, key string, body []byte, opts PutOptions) (obj *Object, err error) {
	defer b.observe("put")(&err)

	if err = b.validateKey(key); err != nil {
		return nil, err
	}

	existing, _ := b.Head(ctx, key)
	if opts.OnlyIf != nil && !conditionMet(opts.OnlyIf, existing) {
		return nil, ErrConditionFailed
	}

	path := b.bodyPath(key)
	if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
		return nil, fmt.Errorf("r2: put %s: %w", key, mkErr)
	}
	if writeErr := os.WriteFile(path, body, 0o644); writeErr != nil {
		return nil, fmt.Errorf("r2: put %s: %w", key, writeErr)
	}

	sum := md5.Sum(body)
	etag := hex.EncodeToString(sum[:])
	uploadedAt := time.Now()

	httpMeta, customMeta, err := marshalMetadata(opts.HTTPMetadata, opts.CustomMetadata, b.limits.CustomMetadataMaxBytes)
	if err != nil {
		return nil, err
	}

	_, err = b.store.DB().ExecContext(ctx,
		`INSERT INTO r2_objects (bucket, key, size, etag, http_metadata, custom_metadata, uploaded_at, body_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (bucket, key) DO UPDATE SET size = excluded.size, etag = excluded.etag,
		   http_metadata = excluded.http_metadata, custom_metadata = excluded.custom_metadata,
		   uploaded_at = excluded.uploaded_at, body_path = excluded.body_path`,
		b.bucket, key, len(body), etag, httpMeta, customMeta, uploadedAt.UnixMilli(), path)
	if err != nil {
		return nil, fmt.Errorf("r2: put %s: %w", key, err)
	}

	return &Object{
		Key: key, Size: int64(len(body)), ETag: etag,
		HTTPMetadata: opts.HTTPMetadata, CustomMetadata: opts.CustomMetadata, UploadedAt: uploadedAt,
	}, nil
}

// Head returns an object's metadata without its body, or nil if missing.
func (b *Bucket) Head(ctx context.Context, key string) (obj *Object, err error) {
	defer b.observe("head")(&err)
	return b.head(ctx, key)
}

func (b *Bucket) head(ctx context.Context, key string) (*Object, error) {
	var size int64
	var etag string
	var httpMeta, customMeta []byte
	var uploadedAtMs int64

	row := b.store.DB().QueryRowContext(ctx,
		`SELECT size, etag, http_metadata, custom_metadata, uploaded_at FROM r2_objects WHERE bucket = ? AND key = ?`,
		b.bucket, key)
	if scanErr := row.Scan(&size, &etag, &httpMeta, &customMeta, &uploadedAtMs); scanErr != nil {
		if errors.Is(scanErr, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("r2: head %s: %w", key, scanErr)
	}

	obj := &Object{
		Key: key, Size: size, ETag: etag,
		UploadedAt: time.UnixMilli(uploadedAtMs),
	}
	_ = json.Unmarshal(httpMeta, &obj.HTTPMetadata)
	_ = json.Unmarshal(customMeta, &obj.CustomMetadata)
	return obj, nil
}

// GetObject pairs an object's metadata with its body.
type GetObject struct {
	Object
	Body io.ReadCloser
}

// Get reads key's body, honoring an optional condition and byte range. A
// failed condition returns the object's metadata with a nil Body.
func (b *Bucket) Get(ctx context.Context, key string, opts GetOptions) (result *GetObject, err error) {
	defer b.observe("get")(&err)

	meta, err := b.head(ctx, key)
	if err != nil || meta == nil {
		return nil, err
	}
	if opts.OnlyIf != nil && !conditionMet(opts.OnlyIf, meta) {
		return &GetObject{Object: *meta}, nil
	}

	path := b.bodyPath(key)
	f, openErr := os.Open(path)
	if openErr != nil {
		return nil, fmt.Errorf("r2: get %s: %w", key, openErr)
	}

	if opts.Range == nil {
		return &GetObject{Object: *meta, Body: f}, nil
	}

	offset, length := resolveRange(*opts.Range, meta.Size)
	if _, seekErr := f.Seek(offset, io.SeekStart); seekErr != nil {
		f.Close()
		return nil, fmt.Errorf("r2: get %s: %w", key, seekErr)
	}
	meta.Range = &ServedRange{Offset: offset, Length: length}
	return &GetObject{Object: *meta, Body: struct {
		io.Reader
		io.Closer
	}{io.LimitReader(f, length), f}}, nil
}

func resolveRange(r Range, size int64) (offset, length int64) {
	if r.Suffix > 0 {
		offset = size - r.Suffix
		if offset < 0 {
			offset = 0
		}
		return offset, size - offset
	}
	offset = r.Offset
	length = r.Length
	if offset+length > size {
		length = size - offset
	}
	if length < 0 {
		length = 0
	}
	return offset, length
}

func conditionMet(c *OnlyIf, obj *Object) bool {
	if obj == nil {
		return false
	}
	if len(c.EtagMatches) > 0 && !etagMatchesAny(c.EtagMatches, obj.ETag) {
		return false
	}
	if len(c.EtagDoesNotMatch) > 0 && etagMatchesAny(c.EtagDoesNotMatch, obj.ETag) {
		return false
	}
	if c.UploadedBefore != nil && !obj.UploadedAt.Before(*c.UploadedBefore) {
		return false
	}
	if c.UploadedAfter != nil && !obj.UploadedAt.After(*c.UploadedAfter) {
		return false
	}
	return true
}

func etagMatchesAny(candidates []string, etag string) bool {
	for _, c := range candidates {
		if c == "*" || c == etag {
			return true
		}
	}
	return false
}

// Delete removes one or more keys. Deleting a missing key is not an error.
func (b *Bucket) Delete(ctx context.Context, keys ...string) (err error) {
	defer b.observe("delete")(&err)

	if len(keys) > b.limits.BatchDeleteMaxKeys {
		return fmt.Errorf("r2: delete: %d keys exceeds limit %d", len(keys), b.limits.BatchDeleteMaxKeys)
	}

	for _, key := range keys {
		path := b.bodyPath(key)
		if _, execErr := b.store.DB().ExecContext(ctx,
			`DELETE FROM r2_objects WHERE bucket = ? AND key = ?`, b.bucket, key); execErr != nil {
			return fmt.Errorf("r2: delete %s: %w", key, execErr)
		}
		_ = os.Remove(path)
	}
	return nil
}

// List returns objects under Prefix, grouping keys sharing a prefix up to
// the next Delimiter into DelimitedPrefixes.
func (b *Bucket) List(ctx context.Context, opts ListOptions) (result ListResult, err error) {
	defer b.observe("list")(&err)

	limit := opts.Limit
	if limit <= 0 {
		limit = 1000
	}
	offset := decodeOffset(opts.Cursor)

	rows, queryErr := b.store.DB().QueryContext(ctx,
		`SELECT key, size, etag, http_metadata, custom_metadata, uploaded_at FROM r2_objects
		 WHERE bucket = ? AND key LIKE ? ESCAPE '\' ORDER BY key ASC`,
		b.bucket, likePrefix(opts.Prefix))
	if queryErr != nil {
		return ListResult{}, fmt.Errorf("r2: list: %w", queryErr)
	}
	defer rows.Close()

	prefixSet := make(map[string]bool)
	var all []Object
	for rows.Next() {
		var key, etag string
		var size, uploadedAtMs int64
		var httpMeta, customMeta []byte
		if scanErr := rows.Scan(&key, &size, &etag, &httpMeta, &customMeta, &uploadedAtMs); scanErr != nil {
			return ListResult{}, fmt.Errorf("r2: list scan: %w", scanErr)
		}

		if opts.Delimiter != "" {
			rest := strings.TrimPrefix(key, opts.Prefix)
			if idx := strings.Index(rest, opts.Delimiter); idx >= 0 {
				prefixSet[opts.Prefix+rest[:idx+len(opts.Delimiter)]] = true
				continue
			}
		}

		obj := Object{Key: key, Size: size, ETag: etag, UploadedAt: time.UnixMilli(uploadedAtMs)}
		_ = json.Unmarshal(httpMeta, &obj.HTTPMetadata)
		_ = json.Unmarshal(customMeta, &obj.CustomMetadata)
		all = append(all, obj)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return ListResult{}, fmt.Errorf("r2: list rows: %w", rowsErr)
	}

	for prefix := range prefixSet {
		result.DelimitedPrefixes = append(result.DelimitedPrefixes, prefix)
	}
	sort.Strings(result.DelimitedPrefixes)

	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	if offset < len(all) {
		result.Objects = all[offset:end]
	}
	result.Truncated = end < len(all)
	if result.Truncated {
		result.Cursor = strconv.Itoa(end)
	}
	return result, nil
}

// CreateMultipartUpload begins a multipart upload and returns its id.
func (b *Bucket) CreateMultipartUpload(ctx context.Context, key string, opts PutOptions) (uploadID string, err error) {
	defer b.observe("createMultipartUpload")(&err)

	if err = b.validateKey(key); err != nil {
		return "", err
	}

	httpMeta, customMeta, err := marshalMetadata(opts.HTTPMetadata, opts.CustomMetadata, b.limits.CustomMetadataMaxBytes)
	if err != nil {
		return "", err
	}

	uploadID = newUploadID()
	_, err = b.store.DB().ExecContext(ctx,
		`INSERT INTO r2_multipart_uploads (upload_id, bucket, key, http_metadata, custom_metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uploadID, b.bucket, key, httpMeta, customMeta, time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("r2: createMultipartUpload %s: %w", key, err)
	}
	return uploadID, nil
}

// ResumeMultipartUpload validates that uploadID exists for key.
func (b *Bucket) ResumeMultipartUpload(ctx context.Context, key, uploadID string) (err error) {
	defer b.observe("resumeMultipartUpload")(&err)

	var storedKey string
	row := b.store.DB().QueryRowContext(ctx,
		`SELECT key FROM r2_multipart_uploads WHERE upload_id = ? AND bucket = ?`, uploadID, b.bucket)
	if scanErr := row.Scan(&storedKey); scanErr != nil {
		return fmt.Errorf("r2: resumeMultipartUpload %s: %w", uploadID, scanErr)
	}
	if storedKey != key {
		return fmt.Errorf("r2: resumeMultipartUpload: upload %s belongs to a different key", uploadID)
	}
	return nil
}

// UploadPart stores one part of an in-progress multipart upload and returns
// its etag.
func (b *Bucket) UploadPart(ctx context.Context, uploadID string, partNumber int, data []byte) (etag string, err error) {
	defer b.observe("uploadPart")(&err)

	if partNumber < 1 || partNumber > b.limits.MultipartMaxParts {
		return "", fmt.Errorf("r2: uploadPart: part number %d out of range", partNumber)
	}

	path := b.partPath(uploadID, partNumber)
	if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
		return "", fmt.Errorf("r2: uploadPart: %w", mkErr)
	}
	if writeErr := os.WriteFile(path, data, 0o644); writeErr != nil {
		return "", fmt.Errorf("r2: uploadPart: %w", writeErr)
	}

	sum := md5.Sum(data)
	etag = hex.EncodeToString(sum[:])

	_, err = b.store.DB().ExecContext(ctx,
		`INSERT INTO r2_multipart_parts (upload_id, part_number, etag, size, body_path) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (upload_id, part_number) DO UPDATE SET etag = excluded.etag, size = excluded.size, body_path = excluded.body_path`,
		uploadID, partNumber, etag, len(data), path)
	if err != nil {
		return "", fmt.Errorf("r2: uploadPart: %w", err)
	}
	return etag, nil
}

// CompletedPart is the caller-supplied manifest entry for a completed part.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// CompleteMultipartUpload concatenates parts in order, writes the final
// object, and discards the upload's bookkeeping rows and part files.
func (b *Bucket) CompleteMultipartUpload(ctx context.Context, uploadID string, parts []CompletedPart) (obj *Object, err error) {
	defer b.observe("completeMultipartUpload")(&err)

	var key string
	var httpMetaRaw, customMetaRaw []byte
	row := b.store.DB().QueryRowContext(ctx,
		`SELECT key, http_metadata, custom_metadata FROM r2_multipart_uploads WHERE upload_id = ? AND bucket = ?`,
		uploadID, b.bucket)
	if scanErr := row.Scan(&key, &httpMetaRaw, &customMetaRaw); scanErr != nil {
		return nil, fmt.Errorf("r2: completeMultipartUpload %s: %w", uploadID, scanErr)
	}

	sorted := append([]CompletedPart(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	var body bytes.Buffer
	for _, p := range sorted {
		var storedEtag, path string
		r := b.store.DB().QueryRowContext(ctx,
			`SELECT etag, body_path FROM r2_multipart_parts WHERE upload_id = ? AND part_number = ?`,
			uploadID, p.PartNumber)
		if scanErr := r.Scan(&storedEtag, &path); scanErr != nil {
			return nil, fmt.Errorf("r2: completeMultipartUpload: part %d: %w", p.PartNumber, scanErr)
		}
		if storedEtag != p.ETag {
			return nil, fmt.Errorf("r2: completeMultipartUpload: part %d: etag mismatch", p.PartNumber)
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, fmt.Errorf("r2: completeMultipartUpload: part %d: %w", p.PartNumber, readErr)
		}
		body.Write(data)
	}

	var httpMeta, customMeta map[string]string
	_ = json.Unmarshal(httpMetaRaw, &httpMeta)
	_ = json.Unmarshal(customMetaRaw, &customMeta)

	obj, err = b.Put(ctx, key, body.Bytes(), PutOptions{HTTPMetadata: httpMeta, CustomMetadata: customMeta})
	if err != nil {
		return nil, err
	}

	if cleanErr := b.cleanupMultipart(ctx, uploadID); cleanErr != nil {
		return nil, cleanErr
	}
	return obj, nil
}

// AbortMultipartUpload discards an in-progress upload without creating an
// object.
func (b *Bucket) AbortMultipartUpload(ctx context.Context, uploadID string) (err error) {
	defer b.observe("abortMultipartUpload")(&err)
	return b.cleanupMultipart(ctx, uploadID)
}

func (b *Bucket) cleanupMultipart(ctx context.Context, uploadID string) error {
	rows, err := b.store.DB().QueryContext(ctx,
		`SELECT body_path FROM r2_multipart_parts WHERE upload_id = ?`, uploadID)
	if err != nil {
		return fmt.Errorf("r2: cleanup multipart %s: %w", uploadID, err)
	}
	var paths []string
	for rows.Next() {
		var path string
		if scanErr := rows.Scan(&path); scanErr == nil {
			paths = append(paths, path)
		}
	}
	rows.Close()

	if _, err := b.store.DB().ExecContext(ctx, `DELETE FROM r2_multipart_parts WHERE upload_id = ?`, uploadID); err != nil {
		return fmt.Errorf("r2: cleanup multipart %s: %w", uploadID, err)
	}
	if _, err := b.store.DB().ExecContext(ctx, `DELETE FROM r2_multipart_uploads WHERE upload_id = ?`, uploadID); err != nil {
		return fmt.Errorf("r2: cleanup multipart %s: %w", uploadID, err)
	}
	for _, path := range paths {
		_ = os.Remove(path)
	}
	return nil
}

func marshalMetadata(httpMeta, customMeta map[string]string, customMaxBytes int) ([]byte, []byte, error) {
	httpRaw, err := json.Marshal(httpMeta)
	if err != nil {
		return nil, nil, fmt.Errorf("r2: marshal http metadata: %w", err)
	}
	customRaw, err := json.Marshal(customMeta)
	if err != nil {
		return nil, nil, fmt.Errorf("r2: marshal custom metadata: %w", err)
	}
	if len(customRaw) > customMaxBytes {
		return nil, nil, fmt.Errorf("r2: custom metadata exceeds %d bytes", customMaxBytes)
	}
	return httpRaw, customRaw, nil
}

func likePrefix(prefix string) string {
	escaped := ""
	for _, r := range prefix {
		switch r {
		case '%', '_', '\\':
			escaped += `\` + string(r)
		default:
			escaped += string(r)
		}
	}
	return escaped + "%"
}

func decodeOffset(cursor string) int {
	offset, err := strconv.Atoi(cursor)
	if err != nil || offset < 0 {
		return 0
	}
	return offset
}

func newUploadID() string {
	return uuid.NewString()
}
