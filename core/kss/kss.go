// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package kss provides a small key/blob store for artifacts that live outside of the
// database, like the published certificate revocation list.
// There are two backends: a local file system and AWS S3.
package kss

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Download when the key does not exist
var ErrNotFound = errors.New("kss: key not found")

// Driver defines the interface for the KSS service
type Driver interface {
	Upload(ctx context.Context, key string, data []byte) error
	Download(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// DriverType represents the different type of KSS Drivers
type DriverType string

// DriverTypeLocal is the local filesystem implementation of the KSS service
const DriverTypeLocal DriverType = "Local"

// DriverTypeAWSS3 is the AWS S3 implementation of the KSS service
const DriverTypeAWSS3 DriverType = "AWSS3"

// None is used when there is no KSS implementation
const None DriverType = ""

// Configuration contains the configuration for the KSS service
type Configuration struct {
	DriverType         DriverType
	LocalConfiguration *LocalConfiguration
	S3Configuration    *S3Configuration
}

// LocalConfiguration contains the configuration for the local filesystem KSS service
type LocalConfiguration struct {
	BasePath string
}

// S3Configuration contains the configuration for the AWS S3 KSS service
type S3Configuration struct {
	AccessID      string
	AccessKey     string
	AWSBucketName string
	AWSRegion     string
	KeyPrefix     string
}

// New returns the driver selected by the configuration. It returns nil for None.
func New(ctx context.Context, config Configuration) (Driver, error) {
	switch config.DriverType {
	case DriverTypeLocal:
		if config.LocalConfiguration == nil {
			return nil, errors.New("missing local configuration")
		}
		f, err := NewLocalFilesystem(*config.LocalConfiguration)
		if err != nil {
			return nil, err
		}
		return f, nil
	case DriverTypeAWSS3:
		if config.S3Configuration == nil {
			return nil, errors.New("missing S3 configuration")
		}
		s, err := NewS3(ctx, *config.S3Configuration)
		if err != nil {
			return nil, err
		}
		return s, nil
	case None:
		return nil, nil
	}
	return nil, errors.New("unknown kss driver type " + string(config.DriverType))
}
