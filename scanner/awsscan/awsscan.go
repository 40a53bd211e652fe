// Package awsscan probes EC2 and S3 resource state for misconfigurations.
// It is the resource-graph adapter: security group exposure, instances and
// volumes stuck in error states, and publicly accessible buckets.
package awsscan

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/rizy44/secops-misconfig-detection-and-remediation/scanner"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/types"
)

// AdapterName is how this adapter registers with the scan runner.
const AdapterName = "resource-graph"

// EC2API is the slice of the EC2 client this scanner uses.
type EC2API interface {
	DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeVolumes(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
}

// S3API is the slice of the S3 client this scanner uses.
type S3API interface {
	ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
	GetPublicAccessBlock(ctx context.Context, params *s3.GetPublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.GetPublicAccessBlockOutput, error)
}

// Scanner probes the resource graph through the AWS APIs.
type Scanner struct {
	ec2    EC2API
	s3     S3API
	logger zerolog.Logger
}

// New builds the scanner from a loaded AWS config.
func New(cfg aws.Config, logger zerolog.Logger) *Scanner {
	return NewFromClients(ec2.NewFromConfig(cfg), s3.NewFromConfig(cfg), logger)
}

// NewFromClients builds the scanner from explicit clients. Tests inject fakes
// here.
func NewFromClients(ec2Client EC2API, s3Client S3API, logger zerolog.Logger) *Scanner {
	return &Scanner{
		ec2:    ec2Client,
		s3:     s3Client,
		logger: logger.With().Str("adapter", AdapterName).Logger(),
	}
}

func (s *Scanner) Name() string { return AdapterName }

// Scan runs every check, restricted to targets when given. A failed check
// contributes nothing; the remaining checks still run and the last error is
// returned so the runner records the partial outage.
func (s *Scanner) Scan(ctx context.Context, targets []scanner.Target) ([]types.RawFinding, error) {
	sc := newScope(targets)
	var (
		raws    []types.RawFinding
		lastErr error
	)

	checks := []struct {
		service string
		run     func(context.Context, scope) ([]types.RawFinding, error)
	}{
		{"network", s.scanSecurityGroups},
		{"compute", s.scanInstances},
		{"block-storage", s.scanVolumes},
		{"object-storage", s.scanBuckets},
	}

	for _, check := range checks {
		if !sc.includes(check.service) {
			continue
		}
		found, err := check.run(ctx, sc)
		if err != nil {
			s.logger.Warn().Err(err).Str("service", check.service).Msg("Check failed")
			lastErr = err
			continue
		}
		raws = append(raws, found...)
	}
	return raws, lastErr
}

// scope restricts a scan to specific resources per service. An empty scope
// means everything.
type scope map[string][]string

func newScope(targets []scanner.Target) scope {
	if len(targets) == 0 {
		return nil
	}
	sc := make(scope)
	for _, t := range targets {
		sc[t.Resource.Service] = append(sc[t.Resource.Service], t.Resource.ID)
	}
	return sc
}

func (sc scope) includes(service string) bool {
	if sc == nil {
		return true
	}
	return len(sc[service]) > 0
}

func (sc scope) ids(service string) []string {
	if sc == nil {
		return nil
	}
	return sc[service]
}
