package awsscan

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/rizy44/secops-misconfig-detection-and-remediation/types"
)

// scanBuckets flags buckets whose public access block is missing or has any
// guard disabled.
func (s *Scanner) scanBuckets(ctx context.Context, sc scope) ([]types.RawFinding, error) {
	names := sc.ids("object-storage")
	if len(names) == 0 {
		out, err := s.s3.ListBuckets(ctx, &s3.ListBucketsInput{})
		if err != nil {
			return nil, fmt.Errorf("list buckets: %w", err)
		}
		for _, b := range out.Buckets {
			names = append(names, aws.ToString(b.Name))
		}
	}

	var raws []types.RawFinding
	for _, name := range names {
		open, detail, err := s.bucketPubliclyOpen(ctx, name)
		if err != nil {
			return raws, fmt.Errorf("public access block for %s: %w", name, err)
		}
		if !open {
			continue
		}
		raws = append(raws, types.RawFinding{
			Type:        "S3_PUBLIC_ACCESS",
			RawSeverity: "high",
			Resource:    types.ResourceRef{Service: "object-storage", ID: name},
			Scanner:     AdapterName,
			Summary:     fmt.Sprintf("bucket %s allows public access: %s", name, detail),
			Details:     map[string]any{"reason": detail},
		})
	}
	return raws, nil
}

func (s *Scanner) bucketPubliclyOpen(ctx context.Context, name string) (bool, string, error) {
	out, err := s.s3.GetPublicAccessBlock(ctx, &s3.GetPublicAccessBlockInput{
		Bucket: aws.String(name),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchPublicAccessBlockConfiguration" {
			return true, "no public access block configured", nil
		}
		return false, "", err
	}
	return blockGapReason(out.PublicAccessBlockConfiguration)
}

func blockGapReason(cfg *s3types.PublicAccessBlockConfiguration) (bool, string, error) {
	if cfg == nil {
		return true, "empty public access block configuration", nil
	}
	switch {
	case !aws.ToBool(cfg.BlockPublicAcls):
		return true, "BlockPublicAcls disabled", nil
	case !aws.ToBool(cfg.IgnorePublicAcls):
		return true, "IgnorePublicAcls disabled", nil
	case !aws.ToBool(cfg.BlockPublicPolicy):
		return true, "BlockPublicPolicy disabled", nil
	case !aws.ToBool(cfg.RestrictPublicBuckets):
		return true, "RestrictPublicBuckets disabled", nil
	}
	return false, "", nil
}
