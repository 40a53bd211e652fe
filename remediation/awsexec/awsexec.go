// Package awsexec applies security group remediations through the EC2 API.
// The only mutation it knows is the ingress restriction: drop a world-open
// rule and grant the admin CIDR instead.
package awsexec

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/rs/zerolog"

	"github.com/rizy44/secops-misconfig-detection-and-remediation/remediation"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/runbook"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/types"
)

// KindRestrictIngress is the action kind this executor serves.
const KindRestrictIngress = "sg_restrict_ingress"

const worldCIDR = "0.0.0.0/0"

// EC2API is the slice of the EC2 client the executor uses.
type EC2API interface {
	DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	RevokeSecurityGroupIngress(ctx context.Context, params *ec2.RevokeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.RevokeSecurityGroupIngressOutput, error)
	AuthorizeSecurityGroupIngress(ctx context.Context, params *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
}

// Executor rewrites security group ingress rules.
type Executor struct {
	ec2       EC2API
	adminCIDR string
	logger    zerolog.Logger
}

// New builds the executor from a loaded AWS config. adminCIDR is the default
// replacement source range; runbook params may override it.
func New(cfg aws.Config, adminCIDR string, logger zerolog.Logger) *Executor {
	return NewFromClient(ec2.NewFromConfig(cfg), adminCIDR, logger)
}

// NewFromClient builds the executor from an explicit client.
func NewFromClient(client EC2API, adminCIDR string, logger zerolog.Logger) *Executor {
	return &Executor{
		ec2:       client,
		adminCIDR: adminCIDR,
		logger:    logger.With().Str("executor", KindRestrictIngress).Logger(),
	}
}

func (e *Executor) Kind() string { return KindRestrictIngress }

// Apply drops the world-open rule for the action's port and grants the admin
// CIDR instead. Both halves are idempotent: a missing world rule or an
// already-present admin rule is fine.
func (e *Executor) Apply(ctx context.Context, action runbook.ActionSpec, ref types.ResourceRef) (remediation.ApplyResult, error) {
	var result remediation.ApplyResult

	port, err := actionPort(action)
	if err != nil {
		return result, err
	}
	adminCIDR := action.Params["admin_cidr"]
	if adminCIDR == "" {
		adminCIDR = e.adminCIDR
	}

	perms, err := e.describePermissions(ctx, ref.ID)
	if err != nil {
		return result, err
	}
	result.BeforeState, err = json.Marshal(perms)
	if err != nil {
		return result, fmt.Errorf("snapshot before state: %w", err)
	}

	if hasRule(perms, port, worldCIDR) {
		_, err = e.ec2.RevokeSecurityGroupIngress(ctx, &ec2.RevokeSecurityGroupIngressInput{
			GroupId:       aws.String(ref.ID),
			IpPermissions: []ec2types.IpPermission{tcpRule(port, worldCIDR)},
		})
		if err != nil {
			return result, fmt.Errorf("revoke world-open rule on %s: %w", ref.ID, err)
		}
		result.Mutated = true
		e.logger.Info().Str("group_id", ref.ID).Int32("port", port).Msg("Revoked world-open ingress rule")
	}

	if !hasRule(perms, port, adminCIDR) {
		_, err = e.ec2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
			GroupId:       aws.String(ref.ID),
			IpPermissions: []ec2types.IpPermission{tcpRule(port, adminCIDR)},
		})
		if err != nil {
			return result, fmt.Errorf("authorize admin rule on %s: %w", ref.ID, err)
		}
		result.Mutated = true
		e.logger.Info().Str("group_id", ref.ID).Str("cidr", adminCIDR).Int32("port", port).Msg("Authorized admin ingress rule")
	}

	after, err := e.describePermissions(ctx, ref.ID)
	if err != nil {
		return result, fmt.Errorf("snapshot after state: %w", err)
	}
	result.AfterState, err = json.Marshal(after)
	if err != nil {
		return result, fmt.Errorf("snapshot after state: %w", err)
	}
	return result, nil
}

// Rollback restores ingress rules from the before snapshot that are missing
// now, undoing a partial rewrite.
func (e *Executor) Rollback(ctx context.Context, _ runbook.ActionSpec, ref types.ResourceRef, beforeState json.RawMessage) error {
	var before []ec2types.IpPermission
	if err := json.Unmarshal(beforeState, &before); err != nil {
		return fmt.Errorf("decode before state: %w", err)
	}

	current, err := e.describePermissions(ctx, ref.ID)
	if err != nil {
		return err
	}

	for _, perm := range before {
		for _, ipRange := range perm.IpRanges {
			cidr := aws.ToString(ipRange.CidrIp)
			port := aws.ToInt32(perm.FromPort)
			if hasRule(current, port, cidr) {
				continue
			}
			_, err := e.ec2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
				GroupId:       aws.String(ref.ID),
				IpPermissions: []ec2types.IpPermission{tcpRule(port, cidr)},
			})
			if err != nil {
				return fmt.Errorf("restore rule %s tcp/%d on %s: %w", cidr, port, ref.ID, err)
			}
			e.logger.Info().Str("group_id", ref.ID).Str("cidr", cidr).Int32("port", port).Msg("Restored ingress rule")
		}
	}
	return nil
}

func (e *Executor) describePermissions(ctx context.Context, groupID string) ([]ec2types.IpPermission, error) {
	out, err := e.ec2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		GroupIds: []string{groupID},
	})
	if err != nil {
		return nil, fmt.Errorf("describe security group %s: %w", groupID, err)
	}
	if len(out.SecurityGroups) == 0 {
		return nil, fmt.Errorf("security group %s not found", groupID)
	}
	return out.SecurityGroups[0].IpPermissions, nil
}

func actionPort(action runbook.ActionSpec) (int32, error) {
	raw, ok := action.Params["port"]
	if !ok {
		return 0, fmt.Errorf("action %s missing port param", action.Kind)
	}
	port, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("action %s has bad port %q: %w", action.Kind, raw, err)
	}
	return int32(port), nil
}

func tcpRule(port int32, cidr string) ec2types.IpPermission {
	return ec2types.IpPermission{
		IpProtocol: aws.String("tcp"),
		FromPort:   aws.Int32(port),
		ToPort:     aws.Int32(port),
		IpRanges:   []ec2types.IpRange{{CidrIp: aws.String(cidr)}},
	}
}

func hasRule(perms []ec2types.IpPermission, port int32, cidr string) bool {
	for _, perm := range perms {
		if aws.ToString(perm.IpProtocol) != "tcp" {
			continue
		}
		if aws.ToInt32(perm.FromPort) != port || aws.ToInt32(perm.ToPort) != port {
			continue
		}
		for _, r := range perm.IpRanges {
			if aws.ToString(r.CidrIp) == cidr {
				return true
			}
		}
	}
	return false
}
