package network

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
)

// MinS3PartSize is the smallest multipart part S3 accepts, except for the last part.
const MinS3PartSize = 5 * 1024 * 1024

const (
	fileHashMetadataKey = "file-sha256"
	roomIDMetadataKey   = "room-id"
)

// S3Params ...
type S3Params struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Prefix is prepended to the object keys.
	Prefix string
}

type s3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
}

type s3Upload struct {
	key         string
	s3UploadID  string
	totalChunks int
	// existing is set when an object with the same content is already in the bucket.
	existing bool
	// completed is set once the parts are assembled, only the room metadata may be missing.
	completed bool
	metadata  map[string]string
}

// S3Session stores chunked uploads as S3 multipart uploads.
// Sessions are only known to the S3Session that created them.
type S3Session struct {
	client  s3API
	bucket  string
	prefix  string
	logger  log.Logger
	mu      sync.Mutex
	uploads map[string]*s3Upload
}

// NewS3Session ...
func NewS3Session(ctx context.Context, params S3Params, logger log.Logger) (*S3Session, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	region, err := resolveBucketRegion(ctx, params, logger)
	if err != nil {
		return nil, err
	}

	cfg, err := loadAWSCredentials(ctx, region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return newS3Session(s3.NewFromConfig(*cfg), params.Bucket, params.Prefix, logger), nil
}

func newS3Session(client s3API, bucket, prefix string, logger log.Logger) *S3Session {
	return &S3Session{
		client:  client,
		bucket:  bucket,
		prefix:  prefix,
		logger:  logger,
		uploads: map[string]*s3Upload{},
	}
}

// Init starts a multipart upload, or reuses an object with the same content.
func (s *S3Session) Init(ctx context.Context, req InitRequest) (InitResponse, error) {
	if req.FileHash == "" {
		return InitResponse{}, fmt.Errorf("file hash is required for S3 uploads")
	}
	if req.TotalChunks > 1 && req.TotalSize/int64(req.TotalChunks) < MinS3PartSize {
		return InitResponse{}, fmt.Errorf("chunk size below the S3 minimum part size of %d bytes", MinS3PartSize)
	}

	key := s.objectKey(req.FileHash, req.Filename)
	uploadID := uuid.NewString()

	metadata, found, err := s.findObject(ctx, key)
	if err != nil {
		return InitResponse{}, fmt.Errorf("check existing object: %w", err)
	}
	if found && metadata[fileHashMetadataKey] == req.FileHash {
		s.logger.Debugf("Found object with the same checksum, skipping upload: %s", key)
		s.store(uploadID, &s3Upload{key: key, totalChunks: req.TotalChunks, existing: true, metadata: metadata})
		return InitResponse{UploadID: uploadID}, nil
	}

	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(key),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
		Metadata:          map[string]string{fileHashMetadataKey: req.FileHash},
	})
	if err != nil {
		return InitResponse{}, fmt.Errorf("create multipart upload: %w", err)
	}

	s.store(uploadID, &s3Upload{
		key:         key,
		s3UploadID:  aws.ToString(out.UploadId),
		totalChunks: req.TotalChunks,
		metadata:    map[string]string{fileHashMetadataKey: req.FileHash},
	})
	return InitResponse{UploadID: uploadID}, nil
}

// Status lists the stored parts as chunk indices.
func (s *S3Session) Status(ctx context.Context, uploadID string) (StatusResponse, error) {
	upload, err := s.load(uploadID)
	if err != nil {
		return StatusResponse{}, err
	}

	if s.assembled(upload) {
		chunks := make([]int, upload.totalChunks)
		for i := range chunks {
			chunks[i] = i
		}
		return StatusResponse{Chunks: chunks, Status: "completed"}, nil
	}

	parts, err := s.listParts(ctx, upload)
	if err != nil {
		return StatusResponse{}, err
	}

	response := StatusResponse{Chunks: []int{}, Status: "not_started"}
	for _, part := range parts {
		response.Chunks = append(response.Chunks, int(aws.ToInt32(part.PartNumber))-1)
		response.UploadedSize += aws.ToInt64(part.Size)
	}
	if len(parts) > 0 {
		response.Status = "in_progress"
	}
	return response, nil
}

// PutChunk uploads the chunk as part index+1, verified by S3 against the chunk hash.
func (s *S3Session) PutChunk(ctx context.Context, req PutChunkRequest) error {
	upload, err := s.load(req.UploadID)
	if err != nil {
		return err
	}
	if s.assembled(upload) {
		return nil
	}

	input := &s3.UploadPartInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(upload.key),
		UploadId:      aws.String(upload.s3UploadID),
		PartNumber:    aws.Int32(int32(req.ChunkIndex + 1)),
		Body:          bytes.NewReader(req.Data),
		ContentLength: aws.Int64(int64(len(req.Data))),
	}
	if req.ChunkHash != "" {
		checksum, err := base64Checksum(req.ChunkHash)
		if err != nil {
			return fmt.Errorf("chunk %d hash: %w", req.ChunkIndex, err)
		}
		input.ChecksumSHA256 = aws.String(checksum)
	}

	if _, err := s.client.UploadPart(ctx, input); err != nil {
		return fmt.Errorf("upload part %d: %w", req.ChunkIndex+1, err)
	}
	return nil
}

// Complete assembles the parts and tags the object with the room it belongs to.
func (s *S3Session) Complete(ctx context.Context, req CompleteRequest) (CompleteResponse, error) {
	upload, err := s.load(req.UploadID)
	if err != nil {
		return CompleteResponse{}, err
	}

	if !s.assembled(upload) {
		parts, err := s.listParts(ctx, upload)
		if err != nil {
			return CompleteResponse{}, err
		}
		if len(parts) != upload.totalChunks {
			return CompleteResponse{}, fmt.Errorf("%w: %d of %d parts stored", ErrChunkMissing, len(parts), upload.totalChunks)
		}

		completed := make([]types.CompletedPart, 0, len(parts))
		for _, part := range parts {
			completed = append(completed, types.CompletedPart{
				ETag:           part.ETag,
				PartNumber:     part.PartNumber,
				ChecksumSHA256: part.ChecksumSHA256,
			})
		}

		if _, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(s.bucket),
			Key:             aws.String(upload.key),
			UploadId:        aws.String(upload.s3UploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
		}); err != nil {
			return CompleteResponse{}, fmt.Errorf("complete multipart upload: %w", err)
		}
		s.markCompleted(upload)
	}

	// Copying an object onto itself is the only way to change its metadata.
	metadata := map[string]string{}
	for k, v := range upload.metadata {
		metadata[k] = v
	}
	metadata[roomIDMetadataKey] = req.RoomID
	if _, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(upload.key),
		CopySource:        aws.String(copySource(s.bucket, upload.key)),
		MetadataDirective: types.MetadataDirectiveReplace,
		Metadata:          metadata,
	}); err != nil {
		return CompleteResponse{}, fmt.Errorf("attach room metadata: %w", err)
	}

	return CompleteResponse{
		Success:  true,
		File:     req.Filename,
		Path:     fmt.Sprintf("s3://%s/%s", s.bucket, upload.key),
		Verified: true,
		Hash:     req.FileHash,
	}, nil
}

// Cleanup forgets the session. Completion already consumed the parts.
func (s *S3Session) Cleanup(_ context.Context, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.uploads, uploadID)
	return nil
}

func (s *S3Session) objectKey(fileHash, filename string) string {
	return path.Join(s.prefix, fileHash, path.Base(filename))
}

// findObject returns the object's metadata, found is false if the key doesn't exist.
func (s *S3Session) findObject(ctx context.Context, key string) (map[string]string, bool, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var apiError smithy.APIError
		if errors.As(err, &apiError) {
			var notFound *types.NotFound
			if errors.As(err, &notFound) || apiError.ErrorCode() == "NotFound" {
				return nil, false, nil
			}
		}
		return nil, false, err
	}
	return out.Metadata, true, nil
}

func (s *S3Session) listParts(ctx context.Context, upload *s3Upload) ([]types.Part, error) {
	var parts []types.Part
	paginator := s3.NewListPartsPaginator(s.client, &s3.ListPartsInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(upload.key),
		UploadId: aws.String(upload.s3UploadID),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list parts: %w", err)
		}
		parts = append(parts, page.Parts...)
	}

	sort.Slice(parts, func(i, j int) bool {
		return aws.ToInt32(parts[i].PartNumber) < aws.ToInt32(parts[j].PartNumber)
	})
	return parts, nil
}

// assembled reports whether the object already holds the whole file.
func (s *S3Session) assembled(upload *s3Upload) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return upload.existing || upload.completed
}

func (s *S3Session) markCompleted(upload *s3Upload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	upload.completed = true
}

func (s *S3Session) store(uploadID string, upload *s3Upload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads[uploadID] = upload
}

func (s *S3Session) load(uploadID string) (*s3Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	upload, ok := s.uploads[uploadID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUpload, uploadID)
	}
	return upload, nil
}

// copySource returns the URL-encoded "bucket/key" form CopyObject expects.
func copySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, segment := range segments {
		segments[i] = strings.ReplaceAll(url.PathEscape(segment), "+", "%2B")
	}
	return bucket + "/" + strings.Join(segments, "/")
}

func base64Checksum(hexDigest string) (string, error) {
	raw, err := hex.DecodeString(hexDigest)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
