// Package archive implements the job archival mirror: on completion, a job
// directory (minus logs/) is packed into a single xz-compressed archive and
// optionally mirrored to an S3-compatible bucket. Adapted from the
// teacher's hybrid local+S3 storage pattern; mirroring is best-effort and
// never changes job state.
package archive

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/ulikunitz/xz"
	log "github.com/sirupsen/logrus"

	"github.com/raj-iup/cp-whisperx-app-sub002/internal/perr"
)

// Mirror packs and uploads completed job directories to an S3-compatible
// bucket.
type Mirror struct {
	uploader *s3manager.Uploader
	bucket   string
}

// NewMirror builds a Mirror, or nil if bucket is empty (archival disabled).
func NewMirror(endpoint, region, accessKey, secretKey, bucket string) (*Mirror, error) {
	if bucket == "" {
		return nil, nil
	}
	cfg := &aws.Config{
		Region:           aws.String(region),
		Credentials:      credentials.NewStaticCredentials(accessKey, secretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating archive mirror session: %w", err)
	}
	return &Mirror{
		uploader: s3manager.NewUploader(sess),
		bucket:   bucket,
	}, nil
}

// Archive packs jobDir (excluding its logs/ subdirectory) into an
// xz-compressed tar and uploads it to <jobID>.tar.xz. Failures are logged
// by the caller and never fail the job — archival is optional.
func (m *Mirror) Archive(ctx context.Context, jobID, jobDir string) error {
	if m == nil {
		return nil
	}

	pr, pw := io.Pipe()
	go func() {
		err := packXZ(jobDir, pw)
		pw.CloseWithError(err)
	}()

	key := jobID + ".tar.xz"
	_, err := m.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        pr,
		ContentType: aws.String("application/x-xz"),
	})
	if err != nil {
		return perr.Wrap(perr.ConfigError, "", fmt.Errorf("uploading job archive: %w", err))
	}
	log.WithFields(log.Fields{"job_id": jobID, "key": key}).Info("job archive mirrored")
	return nil
}

// packXZ writes an xz-compressed tar of jobDir (skipping logs/) to w.
func packXZ(jobDir string, w io.Writer) error {
	xzw, err := xz.NewWriter(w)
	if err != nil {
		return err
	}
	defer xzw.Close()

	tw := tar.NewWriter(xzw)
	defer tw.Close()

	return filepath.Walk(jobDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(jobDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if rel == "logs" || strings.HasPrefix(rel, "logs"+string(filepath.Separator)) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

// ListArchives returns archive keys under the bucket matching prefix, for
// the status dashboard / operator tooling.
func (m *Mirror) ListArchives(ctx context.Context, prefix string) ([]string, error) {
	if m == nil {
		return nil, nil
	}
	sess := m.uploader.S3.(*s3.S3)
	var keys []string
	err := sess.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(m.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
		return !lastPage
	})
	if err != nil {
		return nil, perr.Wrap(perr.ConfigError, "", err)
	}
	return keys, nil
}
