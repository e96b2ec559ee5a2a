package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemo-db/mnemo/archive"
)

// fakeS3Client is an in-memory S3 for testing. Payloads stay below the
// part size, so only the single PutObject path is exercised.
type fakeS3Client struct {
	mu        sync.Mutex
	objects   map[string][]byte
	checksums []s3types.ChecksumAlgorithm
}

var _ Client = (*fakeS3Client)(nil)

func newFakeS3Client() *fakeS3Client {
	return &fakeS3Client{objects: make(map[string][]byte)}
}

func (f *fakeS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(params.Key)] = data
	f.checksums = append(f.checksums, params.ChecksumAlgorithm)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}

	start, end := int64(0), int64(len(data))-1
	if params.Range != nil {
		if _, err := fmt.Sscanf(aws.ToString(params.Range), "bytes=%d-%d", &start, &end); err != nil {
			return nil, fmt.Errorf("bad range %q: %w", aws.ToString(params.Range), err)
		}
		if end >= int64(len(data)) {
			end = int64(len(data)) - 1
		}
	}
	body := data[start : end+1]
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: aws.Int64(int64(len(body))),
	}, nil
}

func (f *fakeS3Client) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, errors.New("multipart upload not expected in tests")
}

func (f *fakeS3Client) UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, errors.New("multipart upload not expected in tests")
}

func (f *fakeS3Client) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, errors.New("multipart upload not expected in tests")
}

func (f *fakeS3Client) AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return nil, errors.New("multipart upload not expected in tests")
}

// fakeDDBClient is an in-memory DynamoDB honoring the conditional put on
// the seq sort key.
type fakeDDBClient struct {
	mu    sync.Mutex
	items map[string]map[uint64]map[string]ddbtypes.AttributeValue
}

var _ DDBClient = (*fakeDDBClient)(nil)

func newFakeDDBClient() *fakeDDBClient {
	return &fakeDDBClient{items: make(map[string]map[uint64]map[string]ddbtypes.AttributeValue)}
}

func (f *fakeDDBClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	partition := params.Item["archive"].(*ddbtypes.AttributeValueMemberS).Value
	seq, err := strconv.ParseUint(params.Item["seq"].(*ddbtypes.AttributeValueMemberN).Value, 10, 64)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if aws.ToString(params.ConditionExpression) == "attribute_not_exists(seq)" {
		if _, exists := f.items[partition][seq]; exists {
			return nil, &ddbtypes.ConditionalCheckFailedException{Message: aws.String("condition failed")}
		}
	}
	if f.items[partition] == nil {
		f.items[partition] = make(map[uint64]map[string]ddbtypes.AttributeValue)
	}
	f.items[partition][seq] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDDBClient) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	partition := params.ExpressionAttributeValues[":archive"].(*ddbtypes.AttributeValueMemberS).Value

	f.mu.Lock()
	defer f.mu.Unlock()

	seqs := make([]uint64, 0, len(f.items[partition]))
	for seq := range f.items[partition] {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] > seqs[j] })

	if params.Limit != nil && int(*params.Limit) < len(seqs) {
		seqs = seqs[:*params.Limit]
	}
	items := make([]map[string]ddbtypes.AttributeValue, 0, len(seqs))
	for _, seq := range seqs {
		items = append(items, f.items[partition][seq])
	}
	return &dynamodb.QueryOutput{Items: items}, nil
}

func newTestStore(t *testing.T) (*Store, *fakeS3Client, *fakeDDBClient) {
	t.Helper()
	client := newFakeS3Client()
	ddb := newFakeDDBClient()
	return NewStore(client, ddb, "test-bucket", "snapshots", "mnemo-archive"), client, ddb
}

func TestStorePutOpenReadAt(t *testing.T) {
	ctx := context.Background()
	store, client, _ := newTestStore(t)

	payload := bytes.Repeat([]byte("mnemo"), 300)
	require.NoError(t, store.Put(ctx, "snap-a", bytes.NewReader(payload), int64(len(payload))))

	// Objects land under the prefix with CRC32C validation on.
	_, ok := client.objects["snapshots/snap-a"]
	assert.True(t, ok)
	require.Len(t, client.checksums, 1)
	assert.Equal(t, s3types.ChecksumAlgorithmCrc32c, client.checksums[0])

	obj, err := store.Open(ctx, "snap-a")
	require.NoError(t, err)
	defer obj.Close()
	assert.Equal(t, int64(len(payload)), obj.Size())

	got := make([]byte, len(payload))
	n, err := obj.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, got)

	// Interior range.
	mid := make([]byte, 10)
	n, err = obj.ReadAt(mid, 5)
	require.NoError(t, err)
	assert.Equal(t, payload[5:15], mid[:n])

	// A read crossing the end returns the bytes it got plus EOF.
	tail := make([]byte, 64)
	n, err = obj.ReadAt(tail, int64(len(payload))-10)
	assert.Equal(t, 10, n)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, payload[len(payload)-10:], tail[:n])
}

func TestStoreOpenMissing(t *testing.T) {
	store, _, _ := newTestStore(t)

	_, err := store.Open(context.Background(), "snap-missing")
	assert.ErrorIs(t, err, archive.ErrNotFound)
}

func TestCommitLatestResolvesNewest(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	_, _, err := store.Latest(ctx)
	assert.ErrorIs(t, err, archive.ErrNotFound)

	require.NoError(t, store.CommitLatest(ctx, 3, archive.ObjectName(3)))

	seq, name, err := store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
	assert.Equal(t, archive.ObjectName(3), name)

	// Sequences sort numerically, not lexically.
	require.NoError(t, store.CommitLatest(ctx, 12, archive.ObjectName(12)))

	seq, name, err = store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), seq)
	assert.Equal(t, archive.ObjectName(12), name)

	// Replaying a committed sequence trips the conditional put.
	assert.ErrorIs(t, store.CommitLatest(ctx, 12, archive.ObjectName(12)), archive.ErrStale)

	// An older sequence is recorded without moving the pointer.
	require.NoError(t, store.CommitLatest(ctx, 7, archive.ObjectName(7)))

	seq, _, err = store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), seq)
}

func TestCommitLatestConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes, stale := 0, 0

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.CommitLatest(ctx, 1, archive.ObjectName(1))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, archive.ErrStale):
				stale++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 4, stale)
}

func TestPartitionIsolation(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3Client()
	ddb := newFakeDDBClient()

	storeA := NewStore(client, ddb, "bucket", "tenant-a", "mnemo-archive")
	storeB := NewStore(client, ddb, "bucket", "tenant-b", "mnemo-archive")

	require.NoError(t, storeA.CommitLatest(ctx, 5, archive.ObjectName(5)))
	require.NoError(t, storeB.CommitLatest(ctx, 2, archive.ObjectName(2)))

	seq, _, err := storeA.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), seq)

	seq, _, err = storeB.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
}

func TestUploaderRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)
	up := archive.NewUploader(store)

	first := []byte("first snapshot")
	second := bytes.Repeat([]byte("second snapshot "), 100)
	require.NoError(t, up.Upload(ctx, 1, bytes.NewReader(first), int64(len(first))))
	require.NoError(t, up.Upload(ctx, 2, bytes.NewReader(second), int64(len(second))))

	dest := filepath.Join(t.TempDir(), "restored", "mnemo.snap")
	seq, err := archive.Restore(ctx, store, dest)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, second, got)
}
