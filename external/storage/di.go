package storage

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/samber/do/v2"
	"github.com/voicelab/speakerd/internal/config"
	"github.com/voicelab/speakerd/internal/storage"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (storage.SampleStore, error) {
		cfg := do.MustInvoke[*config.Config](i)
		client := s3.New(s3.Options{
			Region:      cfg.SampleBucketRegion,
			Credentials: staticCredentials(cfg),
			BaseEndpoint: func() *string {
				if cfg.SampleBucketEndpoint == "" {
					return nil
				}
				return aws.String(cfg.SampleBucketEndpoint)
			}(),
			UsePathStyle: cfg.SampleBucketEndpoint != "",
		})
		return NewS3SampleStore(client, cfg.SampleBucket, cfg.SampleKeyPrefix), nil
	})
}

func staticCredentials(cfg *config.Config) aws.CredentialsProvider {
	if cfg.SampleAccessKeyID == "" {
		return nil
	}
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     cfg.SampleAccessKeyID,
			SecretAccessKey: cfg.SampleSecretAccessKey,
			Source:          "speakerd-env",
		}, nil
	})
}
