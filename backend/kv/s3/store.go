// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package s3 implements backend/kv.Store on top of
// github.com/aws/aws-sdk-go-v2/service/s3, grounded on
// dmitrijs2005-gophkeeper/internal/server/services/entries.go's
// config.LoadDefaultConfig + credentials.NewStaticCredentialsProvider +
// s3.NewFromConfig setup. One object per key; writes are full-record
// overwrites per spec.md §4.1 ("the external backend performs writes as
// full-record overwrites"), so PutIfVersion is a read-check-PutObject
// sequence, same as the Redis backend.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/zkrelay/relay/backend/kv"
)

type object struct {
	Value     json.RawMessage `json:"value"`
	Version   int64           `json:"version"`
	ExpiresAt int64           `json:"expiresAt"`
}

// Store adapts an *s3.Client plus bucket to kv.Store.
type Store struct {
	client *s3.Client
	bucket string
}

// Config configures the S3-backed backend, mirroring the teacher pack's
// S3RootUser/S3RootPassword/S3Bucket/S3Region/S3BaseEndpoint fields.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string // non-empty for S3-compatible stores (e.g. MinIO)
	AccessKeyID     string
	SecretAccessKey string
}

// New builds an S3-backed Store from cfg, following
// dmitrijs2005-gophkeeper's getPresignClient construction.
func New(ctx context.Context, cfg Config) (*Store, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.Endpoint != ""
	})

	return &Store{client: client, bucket: cfg.Bucket}, nil
}

func (s *Store) Get(ctx context.Context, key string) (kv.Record, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return kv.Record{}, kv.ErrNotFound
		}
		return kv.Record{}, err
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return kv.Record{}, err
	}

	var obj object
	if err := json.Unmarshal(data, &obj); err != nil {
		return kv.Record{}, err
	}
	if obj.ExpiresAt != 0 && time.Now().UnixNano() > obj.ExpiresAt {
		_, _ = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
		return kv.Record{}, kv.ErrNotFound
	}

	return kv.Record{Value: obj.Value, Version: obj.Version, ExpiresAt: obj.ExpiresAt}, nil
}

func (s *Store) Put(ctx context.Context, key string, rec kv.Record) error {
	data, err := json.Marshal(object{Value: rec.Value, Version: rec.Version, ExpiresAt: rec.ExpiresAt})
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return err
}

func (s *Store) PutIfVersion(ctx context.Context, key string, rec kv.Record, expectedVersion int64) error {
	existing, err := s.Get(ctx, key)
	if err != nil {
		if err != kv.ErrNotFound {
			return err
		}
		if expectedVersion != 0 {
			return kv.ErrConflict
		}
		return s.Put(ctx, key, rec)
	}
	if existing.Version != expectedVersion {
		return kv.ErrConflict
	}
	return s.Put(ctx, key, rec)
}

func (s *Store) Del(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return err
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func isNotFound(err error) bool {
	var nf *s3types.NoSuchKey
	if errors.As(err, &nf) {
		return true
	}
	return strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "NoSuchKey")
}
