package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/mnemo-db/mnemo/archive"
)

// Client is the subset of the S3 API the store uses.
type Client interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Options tunes upload behavior.
type Options struct {
	// PartSize is the multipart upload part size. Default 8 MiB.
	PartSize int64

	// Concurrency is the number of concurrent part uploads. Default 5.
	Concurrency int

	// Checksum enables CRC32C integrity validation on uploads. Default
	// true.
	Checksum bool
}

// DefaultOptions returns default store options.
var DefaultOptions = Options{
	PartSize:    8 * 1024 * 1024,
	Concurrency: 5,
	Checksum:    true,
}

// Store implements archive.Store on S3 plus a DynamoDB pointer table.
type Store struct {
	client    Client
	ddb       DDBClient
	uploader  *manager.Uploader
	bucket    string
	prefix    string
	table     string
	partition string
	checksum  bool
}

var _ archive.Store = (*Store)(nil)

// NewStore creates an S3 archive writing objects under prefix in bucket
// and committing the LATEST pointer to the given DynamoDB table.
func NewStore(client Client, ddb DDBClient, bucket, prefix, table string, optFns ...func(o *Options)) *Store {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Store{
		client: client,
		ddb:    ddb,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = opts.PartSize
			u.Concurrency = opts.Concurrency
		}),
		bucket:    bucket,
		prefix:    prefix,
		table:     table,
		partition: "s3://" + path.Join(bucket, prefix),
		checksum:  opts.Checksum,
	}
}

func (s *Store) key(name string) string {
	return path.Join(s.prefix, name)
}

// Put uploads the object, splitting large snapshots into parallel parts.
func (s *Store) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
		Body:   r,
	}
	if s.checksum {
		input.ChecksumAlgorithm = types.ChecksumAlgorithmCrc32c
	}
	_, err := s.uploader.Upload(ctx, input)
	return err
}

func (s *Store) Open(ctx context.Context, name string) (archive.Object, error) {
	key := s.key(name)
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		var nsk *types.NoSuchKey
		if errors.As(err, &nf) || errors.As(err, &nsk) {
			return nil, archive.ErrNotFound
		}
		return nil, err
	}

	return &object{
		client: s.client,
		bucket: s.bucket,
		key:    key,
		size:   aws.ToInt64(head.ContentLength),
	}, nil
}

// object reads an archived snapshot with ranged GETs.
type object struct {
	client Client
	bucket string
	key    string
	size   int64
}

func (o *object) Close() error {
	return nil
}

func (o *object) Size() int64 {
	return o.size
}

func (o *object) ReadAt(p []byte, off int64) (int, error) {
	if off >= o.size {
		return 0, io.EOF
	}
	end := off + int64(len(p)) - 1
	if end >= o.size {
		end = o.size - 1
	}

	resp, err := o.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(o.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, end)),
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.ReadFull(resp.Body, p[:end-off+1])
	if err != nil {
		return n, err
	}
	if int64(n) < int64(len(p)) {
		// The range was clamped at the end of the object.
		return n, io.EOF
	}
	return n, nil
}
