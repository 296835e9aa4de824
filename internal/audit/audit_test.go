package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/model"
)

type fakePutter struct {
	key         string
	bucket      string
	contentType string
	body        []byte
	err         error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.key = aws.ToString(in.Key)
	f.bucket = aws.ToString(in.Bucket)
	f.contentType = aws.ToString(in.ContentType)
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Archiver_WritesJSONDocument(t *testing.T) {
	put := &fakePutter{}
	a := &S3Archiver{client: put, bucket: "audit"}

	rec := Record{
		Resolution: model.MarketResolutionRecord{
			MarketID: "KXBTC-25JAN10", Source: model.SourceKalshi, WinningOutcome: "YES",
			ResolvedAt: time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
		},
		Settlements: []Settlement{
			{BetID: "a", Outcome: "YES", StakeCents: 1000, PayoutCents: 2000},
			{BetID: "b", Outcome: "NO", StakeCents: 2000, PayoutCents: 0},
		},
	}
	require.NoError(t, a.Archive(context.Background(), rec))

	assert.Equal(t, "audit", put.bucket)
	assert.Equal(t, "resolutions/kalshi/KXBTC-25JAN10.json", put.key)
	assert.Equal(t, "application/json", put.contentType)

	var got Record
	require.NoError(t, json.Unmarshal(put.body, &got))
	assert.Equal(t, "YES", got.Resolution.WinningOutcome)
	require.Len(t, got.Settlements, 2)
	assert.Equal(t, int64(2000), got.Settlements[0].PayoutCents)
}

func TestS3Archiver_WrapsPutError(t *testing.T) {
	boom := errors.New("boom")
	a := &S3Archiver{client: &fakePutter{err: boom}, bucket: "audit"}
	err := a.Archive(context.Background(), Record{Resolution: model.MarketResolutionRecord{MarketID: "1", Source: model.SourcePolymarket}})
	assert.ErrorIs(t, err, boom)
}

func TestObjectKeyEscapesMarketID(t *testing.T) {
	assert.Equal(t, "resolutions/polymarket/a%2Fb.json", ObjectKey(model.SourcePolymarket, "a/b"))
}

func TestNewS3Archiver_RequiresBucketAndRegion(t *testing.T) {
	_, err := NewS3Archiver(context.Background(), Config{Region: "us-east-1"})
	assert.Error(t, err)
	_, err = NewS3Archiver(context.Background(), Config{Bucket: "b"})
	assert.Error(t, err)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://minio.local:9000", normaliseEndpoint("minio.local:9000"))
	assert.Equal(t, "http://localhost:9000", normaliseEndpoint("http://localhost:9000"))
}
