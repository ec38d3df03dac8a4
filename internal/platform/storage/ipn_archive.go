// Package storage archives raw PayPal notifications to Cloud Storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// Object is one archived notification.
type Object struct {
	Bucket      string
	Name        string
	ContentType string
	Metadata    map[string]string
	Data        []byte
}

// Uploader writes an object only if it does not exist yet.
type Uploader interface {
	Upload(ctx context.Context, obj Object) error
}

// ErrObjectExists is returned by Uploader when the object is already present.
var ErrObjectExists = errors.New("storage: object already exists")

// GCSUploader writes objects with a DoesNotExist precondition.
type GCSUploader struct {
	client *storage.Client
}

// NewGCSUploader wraps client.
func NewGCSUploader(client *storage.Client) *GCSUploader {
	return &GCSUploader{client: client}
}

func (u *GCSUploader) Upload(ctx context.Context, obj Object) error {
	w := u.client.Bucket(obj.Bucket).Object(obj.Name).
		If(storage.Conditions{DoesNotExist: true}).
		NewWriter(ctx)
	w.ContentType = obj.ContentType
	w.Metadata = obj.Metadata
	if _, err := w.Write(obj.Data); err != nil {
		_ = w.Close()
		return fmt.Errorf("storage: write %s: %w", obj.Name, err)
	}
	if err := w.Close(); err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
			return ErrObjectExists
		}
		return fmt.Errorf("storage: close %s: %w", obj.Name, err)
	}
	return nil
}

// NotificationArchive stores each raw IPN body once. An archive with no
// bucket is disabled and Archive is a no-op.
type NotificationArchive struct {
	bucket   string
	uploader Uploader
}

// NewNotificationArchive returns an archive writing into bucket.
func NewNotificationArchive(bucket string, uploader Uploader) *NotificationArchive {
	return &NotificationArchive{bucket: strings.TrimSpace(bucket), uploader: uploader}
}

// Enabled reports whether a bucket is configured.
func (a *NotificationArchive) Enabled() bool {
	return a != nil && a.bucket != "" && a.uploader != nil
}

// Archive writes body under ObjectName. An already archived body is not an error.
func (a *NotificationArchive) Archive(ctx context.Context, receivedAt time.Time, txnID, bodyHash string, body []byte) (string, error) {
	if !a.Enabled() {
		return "", nil
	}
	name := ObjectName(receivedAt, txnID, bodyHash)
	err := a.uploader.Upload(ctx, Object{
		Bucket:      a.bucket,
		Name:        name,
		ContentType: "application/x-www-form-urlencoded",
		Metadata: map[string]string{
			"txn_id":      txnID,
			"sha256":      bodyHash,
			"received_at": receivedAt.UTC().Format(time.RFC3339),
		},
		Data: body,
	})
	if err != nil && !errors.Is(err, ErrObjectExists) {
		return "", err
	}
	return name, nil
}

// ObjectName is ipn/{yyyy}/{mm}/{dd}/{txn_id}-{sha}.txt using the UTC date.
func ObjectName(receivedAt time.Time, txnID, bodyHash string) string {
	day := receivedAt.UTC().Format("2006/01/02")
	return fmt.Sprintf("ipn/%s/%s-%s.txt", day, safeSegment(txnID, "unknown"), safeSegment(bodyHash, "nohash"))
}

func safeSegment(value, fallback string) string {
	value = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return -1
	}, value)
	if len(value) > 64 {
		value = value[:64]
	}
	if value == "" {
		return fallback
	}
	return value
}
