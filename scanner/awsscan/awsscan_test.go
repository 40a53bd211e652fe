package awsscan

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/rizy44/secops-misconfig-detection-and-remediation/scanner"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/types"
)

type fakeEC2 struct {
	groups    []ec2types.SecurityGroup
	instances []ec2types.Instance
	volumes   []ec2types.Volume
	groupsErr error

	lastGroupIDs []string
}

func (f *fakeEC2) DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	if f.groupsErr != nil {
		return nil, f.groupsErr
	}
	f.lastGroupIDs = params.GroupIds
	return &ec2.DescribeSecurityGroupsOutput{SecurityGroups: f.groups}, nil
}

func (f *fakeEC2) DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	return &ec2.DescribeInstancesOutput{
		Reservations: []ec2types.Reservation{{Instances: f.instances}},
	}, nil
}

func (f *fakeEC2) DescribeVolumes(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error) {
	return &ec2.DescribeVolumesOutput{Volumes: f.volumes}, nil
}

type fakeS3 struct {
	buckets map[string]*s3types.PublicAccessBlockConfiguration
}

func (f *fakeS3) ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error) {
	out := &s3.ListBucketsOutput{}
	for name := range f.buckets {
		out.Buckets = append(out.Buckets, s3types.Bucket{Name: aws.String(name)})
	}
	return out, nil
}

func (f *fakeS3) GetPublicAccessBlock(ctx context.Context, params *s3.GetPublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.GetPublicAccessBlockOutput, error) {
	cfg := f.buckets[aws.ToString(params.Bucket)]
	return &s3.GetPublicAccessBlockOutput{PublicAccessBlockConfiguration: cfg}, nil
}

func worldOpenGroup(id string, from, to int32) ec2types.SecurityGroup {
	return ec2types.SecurityGroup{
		GroupId:   aws.String(id),
		GroupName: aws.String("test-" + id),
		IpPermissions: []ec2types.IpPermission{{
			IpProtocol: aws.String("tcp"),
			FromPort:   aws.Int32(from),
			ToPort:     aws.Int32(to),
			IpRanges:   []ec2types.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
		}},
	}
}

func lockedBlock() *s3types.PublicAccessBlockConfiguration {
	return &s3types.PublicAccessBlockConfiguration{
		BlockPublicAcls:       aws.Bool(true),
		IgnorePublicAcls:      aws.Bool(true),
		BlockPublicPolicy:     aws.Bool(true),
		RestrictPublicBuckets: aws.Bool(true),
	}
}

func findingTypes(raws []types.RawFinding) map[string]int {
	out := map[string]int{}
	for _, raw := range raws {
		out[raw.Type]++
	}
	return out
}

func TestScan_WorldOpenPorts(t *testing.T) {
	ec2Fake := &fakeEC2{groups: []ec2types.SecurityGroup{
		worldOpenGroup("sg-ssh", 22, 22),
		worldOpenGroup("sg-rdp", 3389, 3389),
		worldOpenGroup("sg-db", 5432, 5432),
		worldOpenGroup("sg-safe", 443, 443),
	}}
	s := NewFromClients(ec2Fake, &fakeS3{}, zerolog.Nop())

	raws, err := s.Scan(context.Background(), nil)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	byType := findingTypes(raws)
	if byType["SG_WORLD_OPEN_SSH"] != 1 {
		t.Errorf("SSH findings = %d, want 1", byType["SG_WORLD_OPEN_SSH"])
	}
	if byType["SG_WORLD_OPEN_RDP"] != 1 {
		t.Errorf("RDP findings = %d, want 1", byType["SG_WORLD_OPEN_RDP"])
	}
	if byType["SG_WORLD_OPEN_DB_PORT"] != 1 {
		t.Errorf("DB findings = %d, want 1", byType["SG_WORLD_OPEN_DB_PORT"])
	}
	if total := len(raws); total != 3 {
		t.Errorf("total findings = %d, want 3 (https group is fine)", total)
	}
}

func TestScan_AllProtocolCoversEverything(t *testing.T) {
	group := ec2types.SecurityGroup{
		GroupId: aws.String("sg-all"),
		IpPermissions: []ec2types.IpPermission{{
			IpProtocol: aws.String("-1"),
			IpRanges:   []ec2types.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
		}},
	}
	s := NewFromClients(&fakeEC2{groups: []ec2types.SecurityGroup{group}}, &fakeS3{}, zerolog.Nop())

	raws, err := s.Scan(context.Background(), nil)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	byType := findingTypes(raws)
	if byType["SG_WORLD_OPEN_SSH"] != 1 || byType["SG_WORLD_OPEN_RDP"] != 1 {
		t.Errorf("all-protocol rule did not flag every sensitive port: %v", byType)
	}
}

func TestScan_PrivateCIDRIgnored(t *testing.T) {
	group := ec2types.SecurityGroup{
		GroupId: aws.String("sg-private"),
		IpPermissions: []ec2types.IpPermission{{
			IpProtocol: aws.String("tcp"),
			FromPort:   aws.Int32(22),
			ToPort:     aws.Int32(22),
			IpRanges:   []ec2types.IpRange{{CidrIp: aws.String("10.0.0.0/8")}},
		}},
	}
	s := NewFromClients(&fakeEC2{groups: []ec2types.SecurityGroup{group}}, &fakeS3{}, zerolog.Nop())

	raws, err := s.Scan(context.Background(), nil)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(raws) != 0 {
		t.Errorf("private CIDR flagged: %+v", raws)
	}
}

func TestScan_FailedInstanceAndErrorVolume(t *testing.T) {
	ec2Fake := &fakeEC2{
		instances: []ec2types.Instance{
			{
				InstanceId:  aws.String("i-dead"),
				State:       &ec2types.InstanceState{Name: ec2types.InstanceStateNameStopped},
				StateReason: &ec2types.StateReason{Code: aws.String("Server.InternalError"), Message: aws.String("internal error")},
			},
			{
				InstanceId:  aws.String("i-fine"),
				State:       &ec2types.InstanceState{Name: ec2types.InstanceStateNameStopped},
				StateReason: &ec2types.StateReason{Code: aws.String("Client.UserInitiatedShutdown")},
			},
		},
		volumes: []ec2types.Volume{
			{VolumeId: aws.String("vol-bad"), State: ec2types.VolumeStateError},
			{VolumeId: aws.String("vol-ok"), State: ec2types.VolumeStateInUse},
		},
	}
	s := NewFromClients(ec2Fake, &fakeS3{}, zerolog.Nop())

	raws, err := s.Scan(context.Background(), nil)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	byType := findingTypes(raws)
	if byType["INSTANCE_ERROR_STATE"] != 1 {
		t.Errorf("instance findings = %d, want 1", byType["INSTANCE_ERROR_STATE"])
	}
	if byType["VOLUME_ERROR_STATE"] != 1 {
		t.Errorf("volume findings = %d, want 1", byType["VOLUME_ERROR_STATE"])
	}
}

func TestScan_PublicBucket(t *testing.T) {
	s3Fake := &fakeS3{buckets: map[string]*s3types.PublicAccessBlockConfiguration{
		"locked-bucket": lockedBlock(),
		"open-bucket": {
			BlockPublicAcls:       aws.Bool(true),
			IgnorePublicAcls:      aws.Bool(true),
			BlockPublicPolicy:     aws.Bool(false),
			RestrictPublicBuckets: aws.Bool(true),
		},
	}}
	s := NewFromClients(&fakeEC2{}, s3Fake, zerolog.Nop())

	raws, err := s.Scan(context.Background(), nil)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(raws) != 1 || raws[0].Type != "S3_PUBLIC_ACCESS" {
		t.Fatalf("raws = %+v, want one S3_PUBLIC_ACCESS", raws)
	}
	if raws[0].Resource.ID != "open-bucket" {
		t.Errorf("resource = %s, want open-bucket", raws[0].Resource.ID)
	}
}

func TestScan_TargetedScopesRequests(t *testing.T) {
	ec2Fake := &fakeEC2{groups: []ec2types.SecurityGroup{worldOpenGroup("sg-1", 22, 22)}}
	s := NewFromClients(ec2Fake, &fakeS3{}, zerolog.Nop())

	target := scanner.Target{Resource: types.ResourceRef{Service: "network", ID: "sg-1"}}
	raws, err := s.Scan(context.Background(), []scanner.Target{target})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(ec2Fake.lastGroupIDs) != 1 || ec2Fake.lastGroupIDs[0] != "sg-1" {
		t.Errorf("group IDs = %v, targeted scan must restrict the describe call", ec2Fake.lastGroupIDs)
	}
	if len(raws) != 1 {
		t.Errorf("raws = %d, want 1", len(raws))
	}
}

func TestScan_CheckFailureStillRunsOthers(t *testing.T) {
	ec2Fake := &fakeEC2{
		groupsErr: errors.New("throttled"),
		volumes:   []ec2types.Volume{{VolumeId: aws.String("vol-bad"), State: ec2types.VolumeStateError}},
	}
	s := NewFromClients(ec2Fake, &fakeS3{}, zerolog.Nop())

	raws, err := s.Scan(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error from failed security group check")
	}
	if byType := findingTypes(raws); byType["VOLUME_ERROR_STATE"] != 1 {
		t.Errorf("volume check skipped after unrelated failure: %v", byType)
	}
}
