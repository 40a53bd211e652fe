package awsscan

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/rizy44/secops-misconfig-detection-and-remediation/types"
)

const (
	portSSH = 22
	portRDP = 3389
)

// dbPorts are the database listener ports that must never face the internet.
var dbPorts = map[int32]string{
	1433:  "mssql",
	3306:  "mysql",
	5432:  "postgres",
	6379:  "redis",
	27017: "mongodb",
}

// instanceFailureCodes are the state reasons that indicate an instance died
// rather than being stopped on purpose.
var instanceFailureCodes = map[string]struct{}{
	"Server.InternalError":                    {},
	"Server.ScheduledStop":                    {},
	"Client.VolumeLimitExceeded":              {},
	"Client.InternalError":                    {},
	"Client.InstanceInitiatedShutdown.Failed": {},
}

// scanSecurityGroups flags ingress rules open to the world on sensitive ports.
func (s *Scanner) scanSecurityGroups(ctx context.Context, sc scope) ([]types.RawFinding, error) {
	input := &ec2.DescribeSecurityGroupsInput{}
	if ids := sc.ids("network"); len(ids) > 0 {
		input.GroupIds = ids
	}
	out, err := s.ec2.DescribeSecurityGroups(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("describe security groups: %w", err)
	}

	var raws []types.RawFinding
	for _, sg := range out.SecurityGroups {
		groupID := aws.ToString(sg.GroupId)
		ref := types.ResourceRef{Service: "network", ID: groupID}
		tags := tagList(sg.Tags)

		for _, perm := range sg.IpPermissions {
			if !worldOpen(perm) {
				continue
			}
			for _, hit := range exposedPorts(perm) {
				raws = append(raws, types.RawFinding{
					Type:        hit.findingType,
					RawSeverity: hit.severity,
					Resource:    ref,
					Scanner:     AdapterName,
					Summary: fmt.Sprintf("security group %s allows %s (tcp/%d) from 0.0.0.0/0",
						groupID, hit.label, hit.port),
					Details: map[string]any{
						"group_name": aws.ToString(sg.GroupName),
						"port":       hit.port,
						"protocol":   aws.ToString(perm.IpProtocol),
						"tags":       tags,
					},
				})
			}
		}
	}
	return raws, nil
}

type portHit struct {
	findingType string
	severity    string
	label       string
	port        int32
}

// exposedPorts lists the sensitive ports a permission's range covers.
func exposedPorts(perm ec2types.IpPermission) []portHit {
	var hits []portHit
	if covers(perm, portSSH) {
		hits = append(hits, portHit{"SG_WORLD_OPEN_SSH", "high", "SSH", portSSH})
	}
	if covers(perm, portRDP) {
		hits = append(hits, portHit{"SG_WORLD_OPEN_RDP", "high", "RDP", portRDP})
	}
	for port, label := range dbPorts {
		if covers(perm, port) {
			hits = append(hits, portHit{"SG_WORLD_OPEN_DB_PORT", "critical", label, port})
		}
	}
	return hits
}

// covers reports whether the permission's port range includes port. A nil
// range or protocol -1 means all ports.
func covers(perm ec2types.IpPermission, port int32) bool {
	if aws.ToString(perm.IpProtocol) == "-1" {
		return true
	}
	if perm.FromPort == nil || perm.ToPort == nil {
		return true
	}
	return *perm.FromPort <= port && port <= *perm.ToPort
}

// worldOpen reports whether the permission accepts traffic from anywhere.
func worldOpen(perm ec2types.IpPermission) bool {
	for _, r := range perm.IpRanges {
		if aws.ToString(r.CidrIp) == "0.0.0.0/0" {
			return true
		}
	}
	for _, r := range perm.Ipv6Ranges {
		if aws.ToString(r.CidrIpv6) == "::/0" {
			return true
		}
	}
	return false
}

// scanInstances flags instances that stopped because of a failure.
func (s *Scanner) scanInstances(ctx context.Context, sc scope) ([]types.RawFinding, error) {
	input := &ec2.DescribeInstancesInput{}
	if ids := sc.ids("compute"); len(ids) > 0 {
		input.InstanceIds = ids
	}
	out, err := s.ec2.DescribeInstances(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("describe instances: %w", err)
	}

	var raws []types.RawFinding
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if !instanceFailed(inst) {
				continue
			}
			id := aws.ToString(inst.InstanceId)
			raws = append(raws, types.RawFinding{
				Type:        "INSTANCE_ERROR_STATE",
				RawSeverity: "medium",
				Resource:    types.ResourceRef{Service: "compute", ID: id},
				Scanner:     AdapterName,
				Summary:     fmt.Sprintf("instance %s stopped with failure reason %s", id, aws.ToString(inst.StateReason.Code)),
				Details: map[string]any{
					"state":        string(inst.State.Name),
					"state_reason": aws.ToString(inst.StateReason.Message),
					"tags":         tagList(inst.Tags),
				},
			})
		}
	}
	return raws, nil
}

func instanceFailed(inst ec2types.Instance) bool {
	if inst.State == nil || inst.StateReason == nil {
		return false
	}
	if inst.State.Name != ec2types.InstanceStateNameStopped {
		return false
	}
	_, failed := instanceFailureCodes[aws.ToString(inst.StateReason.Code)]
	return failed
}

// scanVolumes flags volumes in the error state.
func (s *Scanner) scanVolumes(ctx context.Context, sc scope) ([]types.RawFinding, error) {
	input := &ec2.DescribeVolumesInput{}
	if ids := sc.ids("block-storage"); len(ids) > 0 {
		input.VolumeIds = ids
	}
	out, err := s.ec2.DescribeVolumes(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("describe volumes: %w", err)
	}

	var raws []types.RawFinding
	for _, vol := range out.Volumes {
		if vol.State != ec2types.VolumeStateError {
			continue
		}
		id := aws.ToString(vol.VolumeId)
		raws = append(raws, types.RawFinding{
			Type:        "VOLUME_ERROR_STATE",
			RawSeverity: "medium",
			Resource:    types.ResourceRef{Service: "block-storage", ID: id},
			Scanner:     AdapterName,
			Summary:     fmt.Sprintf("volume %s is in error state", id),
			Details: map[string]any{
				"state": string(vol.State),
				"tags":  tagList(vol.Tags),
			},
		})
	}
	return raws, nil
}

// tagList flattens tag keys and values for policy matching.
func tagList(tags []ec2types.Tag) []string {
	var out []string
	for _, tag := range tags {
		if v := aws.ToString(tag.Key); v != "" {
			out = append(out, v)
		}
		if v := aws.ToString(tag.Value); v != "" {
			out = append(out, v)
		}
	}
	return out
}
