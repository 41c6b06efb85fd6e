package rules

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/xssguard/internal/cryptoutil"
	"github.com/keithlinneman/xssguard/internal/log"
	"github.com/keithlinneman/xssguard/internal/xerrors"
)

// S3API is the part of the S3 client the loader uses.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// SSMAPI is the part of the SSM client the loader uses.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SignatureVerifier checks a detached signature over a document.
type SignatureVerifier interface {
	VerifySignature(ctx context.Context, message, signature []byte) error
}

// S3LoaderOptions configures an S3Loader.
type S3LoaderOptions struct {
	Logger log.Logger

	// SSMParam holds the sha256 of the active document, optionally
	// prefixed with "sha256:".
	SSMParam string

	// Documents live at s3://{Bucket}/{Prefix}/{sha256}.yaml.
	Bucket string
	Prefix string

	// Verifier, when set, requires a base64 encoded detached signature
	// at {document key}.sig for every document.
	Verifier SignatureVerifier

	// Clients default to ones built from AWSConfig, or from the default
	// credential chain when AWSConfig is nil.
	S3        S3API
	SSM       SSMAPI
	AWSConfig *aws.Config
}

// S3Loader fetches content-addressed rule documents from S3, using an SSM
// parameter as the pointer to the current one.
type S3Loader struct {
	opts   S3LoaderOptions
	s3     S3API
	ssm    SSMAPI
	logger log.Logger
}

func NewS3Loader(ctx context.Context, opts S3LoaderOptions) (*S3Loader, error) {
	if opts.SSMParam == "" {
		return nil, xerrors.New("SSMParam is required")
	}
	if opts.Bucket == "" {
		return nil, xerrors.New("Bucket is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	opts.Prefix = strings.Trim(opts.Prefix, "/")

	if opts.S3 == nil || opts.SSM == nil {
		var awsCfg aws.Config
		if opts.AWSConfig != nil {
			awsCfg = *opts.AWSConfig
		} else {
			var err error
			awsCfg, err = config.LoadDefaultConfig(ctx)
			if err != nil {
				return nil, xerrors.Wrap(err, "load AWS config")
			}
		}
		if opts.S3 == nil {
			opts.S3 = s3.NewFromConfig(awsCfg)
		}
		if opts.SSM == nil {
			opts.SSM = ssm.NewFromConfig(awsCfg)
		}
	}

	return &S3Loader{
		opts:   opts,
		s3:     opts.S3,
		ssm:    opts.SSM,
		logger: opts.Logger,
	}, nil
}

// FetchCurrentHash reads the digest of the active document from SSM.
func (l *S3Loader) FetchCurrentHash(ctx context.Context) (string, error) {
	out, err := l.ssm.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(l.opts.SSMParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", l.opts.SSMParam)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", l.opts.SSMParam)
	}
	hash, err := cryptoutil.ParseSHA256(*out.Parameter.Value)
	if err != nil {
		return "", xerrors.Wrapf(err, "SSM parameter %s", l.opts.SSMParam)
	}
	return hash, nil
}

// Key returns the object key of the document with the given digest.
func (l *S3Loader) Key(hash string) string {
	if l.opts.Prefix != "" {
		return l.opts.Prefix + "/" + hash + ".yaml"
	}
	return hash + ".yaml"
}

// Load fetches the document SSM currently points at.
func (l *S3Loader) Load(ctx context.Context) (*Snapshot, error) {
	hash, err := l.FetchCurrentHash(ctx)
	if err != nil {
		return nil, err
	}
	return l.LoadHash(ctx, hash)
}

// LoadHash fetches, verifies and compiles the document with digest hash.
func (l *S3Loader) LoadHash(ctx context.Context, hash string) (*Snapshot, error) {
	key := l.Key(hash)
	l.logger.Info(ctx, "downloading rule document",
		"bucket", l.opts.Bucket,
		"key", key,
	)

	data, err := l.get(ctx, key, MaxDocumentBytes)
	if err != nil {
		return nil, err
	}

	meta := Meta{
		Source:   SourceS3,
		Location: "s3://" + l.opts.Bucket + "/" + key,
		SHA256:   hash,
	}
	if l.opts.Verifier != nil {
		raw, err := l.get(ctx, key+".sig", 4096)
		if err != nil {
			return nil, xerrors.Wrap(err, "fetch rule document signature")
		}
		sig, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(raw)))
		if err != nil {
			return nil, xerrors.Wrapf(err, "decode signature %s.sig", key)
		}
		if err := l.opts.Verifier.VerifySignature(ctx, data, sig); err != nil {
			return nil, xerrors.Wrapf(err, "verify rule document %s", key)
		}
		meta.Signed = true
	}
	return Build(data, meta)
}

func (l *S3Loader) get(ctx context.Context, key string, limit int64) ([]byte, error) {
	out, err := l.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", l.opts.Bucket, key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, limit+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read S3 object s3://%s/%s", l.opts.Bucket, key)
	}
	if int64(len(data)) > limit {
		return nil, xerrors.Newf("S3 object s3://%s/%s exceeds %d bytes", l.opts.Bucket, key, limit)
	}
	return data, nil
}
