package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cenkalti/backoff/v5"
	"github.com/smithy-go"

	"github.com/gpudevservers/resctl/internal/coreerr"
)

// AWSProvider implements Provider over EBS volumes/snapshots, EC2 instances,
// and S3 object storage.
type AWSProvider struct {
	ec2 *ec2.Client
	s3  *s3.Client
}

// NewAWSProvider loads the default AWS config (env vars, shared config,
// IRSA) for the given region and wires up the EC2 and S3 clients.
func NewAWSProvider(ctx context.Context, region string) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return &AWSProvider{
		ec2: ec2.NewFromConfig(cfg),
		s3:  s3.NewFromConfig(cfg),
	}, nil
}

func (p *AWSProvider) Name() string { return "aws" }

// retry wraps a cloud call with bounded exponential backoff, retrying only
// throttling-shaped errors. Permanent and validation errors return on the
// first attempt.
func retry[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	op := func() (T, error) {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		if classify(err) == coreerr.KindProviderThrottled {
			return v, err
		}
		return v, backoff.Permanent(err)
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(5),
	)
}

// classify maps an AWS SDK error into a coreerr.Kind based on the API error
// code, so the rest of the control plane never inspects smithy types.
func classify(err error) coreerr.Kind {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return coreerr.KindProviderTransient
	}
	switch apiErr.ErrorCode() {
	case "RequestLimitExceeded", "Throttling", "TooManyRequestsException":
		return coreerr.KindProviderThrottled
	case "InvalidVolume.NotFound", "InvalidSnapshot.NotFound", "InvalidInstanceID.NotFound":
		return coreerr.KindNotFound
	case "VolumeInUse", "IncorrectState":
		return coreerr.KindConflict
	case "InsufficientInstanceCapacity", "InstanceLimitExceeded":
		return coreerr.KindCapacityExhausted
	default:
		return coreerr.KindProviderPermanent
	}
}

func wrapAWS(op string, err error) error {
	if err == nil {
		return nil
	}
	return coreerr.New(classify(err), "aws: "+op, err)
}

func tagsToEC2(tags map[string]string) []ec2types.Tag {
	out := make([]ec2types.Tag, 0, len(tags))
	for k, v := range tags {
		out = append(out, ec2types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return out
}

func ec2TagsToMap(tags []ec2types.Tag) map[string]string {
	out := make(map[string]string, len(tags))
	for _, t := range tags {
		out[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return out
}

func (p *AWSProvider) CreateVolume(ctx context.Context, params CreateVolumeParams) (*Volume, error) {
	in := &ec2.CreateVolumeInput{
		AvailabilityZone: aws.String(params.AvailabilityZone),
		Size:             aws.Int32(params.SizeGB),
		VolumeType:       volumeTypeFor(params.VolumeType),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeVolume,
			Tags:         tagsToEC2(params.Tags),
		}},
	}
	if params.SnapshotID != "" {
		in.SnapshotId = aws.String(params.SnapshotID)
	}

	out, err := retry(ctx, func() (*ec2.CreateVolumeOutput, error) {
		return p.ec2.CreateVolume(ctx, in)
	})
	if err != nil {
		return nil, wrapAWS("create_volume", err)
	}

	return &Volume{
		VolumeID:         aws.ToString(out.VolumeId),
		SizeGB:           aws.ToInt32(out.Size),
		AvailabilityZone: aws.ToString(out.AvailabilityZone),
		Status:           string(out.State),
		Tags:             ec2TagsToMap(out.Tags),
	}, nil
}

func volumeTypeFor(class string) ec2types.VolumeType {
	switch class {
	case "io":
		return ec2types.VolumeTypeIo2
	case "hdd":
		return ec2types.VolumeTypeSc1
	default:
		return ec2types.VolumeTypeGp3
	}
}

func (p *AWSProvider) DeleteVolume(ctx context.Context, volumeID string) error {
	_, err := retry(ctx, func() (*ec2.DeleteVolumeOutput, error) {
		return p.ec2.DeleteVolume(ctx, &ec2.DeleteVolumeInput{VolumeId: aws.String(volumeID)})
	})
	return wrapAWS("delete_volume", err)
}

func (p *AWSProvider) AttachVolume(ctx context.Context, volumeID, instanceID, devicePath string) error {
	_, err := retry(ctx, func() (*ec2.AttachVolumeOutput, error) {
		return p.ec2.AttachVolume(ctx, &ec2.AttachVolumeInput{
			VolumeId:   aws.String(volumeID),
			InstanceId: aws.String(instanceID),
			Device:     aws.String(devicePath),
		})
	})
	return wrapAWS("attach_volume", err)
}

func (p *AWSProvider) DetachVolume(ctx context.Context, volumeID string) error {
	_, err := retry(ctx, func() (*ec2.DetachVolumeOutput, error) {
		return p.ec2.DetachVolume(ctx, &ec2.DetachVolumeInput{VolumeId: aws.String(volumeID)})
	})
	return wrapAWS("detach_volume", err)
}

func (p *AWSProvider) GetVolume(ctx context.Context, volumeID string) (*Volume, error) {
	out, err := retry(ctx, func() (*ec2.DescribeVolumesOutput, error) {
		return p.ec2.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{VolumeIds: []string{volumeID}})
	})
	if err != nil {
		return nil, wrapAWS("get_volume", err)
	}
	if len(out.Volumes) == 0 {
		return nil, notFound("aws", "get_volume", volumeID)
	}
	return volumeFromEC2(out.Volumes[0]), nil
}

func volumeFromEC2(v ec2types.Volume) *Volume {
	return &Volume{
		VolumeID:         aws.ToString(v.VolumeId),
		SizeGB:           aws.ToInt32(v.Size),
		AvailabilityZone: aws.ToString(v.AvailabilityZone),
		Status:           string(v.State),
		Tags:             ec2TagsToMap(v.Tags),
	}
}

func (p *AWSProvider) ListVolumes(ctx context.Context, tagFilter map[string]string) ([]Volume, error) {
	filters := make([]ec2types.Filter, 0, len(tagFilter))
	for k, v := range tagFilter {
		filters = append(filters, ec2types.Filter{Name: aws.String("tag:" + k), Values: []string{v}})
	}

	var out []Volume
	var token *string
	for {
		resp, err := retry(ctx, func() (*ec2.DescribeVolumesOutput, error) {
			return p.ec2.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{Filters: filters, NextToken: token})
		})
		if err != nil {
			return nil, wrapAWS("list_volumes", err)
		}
		for _, v := range resp.Volumes {
			out = append(out, *volumeFromEC2(v))
		}
		if resp.NextToken == nil {
			break
		}
		token = resp.NextToken
	}
	return out, nil
}

func (p *AWSProvider) TagVolume(ctx context.Context, volumeID string, tags map[string]string) error {
	_, err := retry(ctx, func() (*ec2.CreateTagsOutput, error) {
		return p.ec2.CreateTags(ctx, &ec2.CreateTagsInput{
			Resources: []string{volumeID},
			Tags:      tagsToEC2(tags),
		})
	})
	return wrapAWS("tag_volume", err)
}

func (p *AWSProvider) UntagVolume(ctx context.Context, volumeID string, keys []string) error {
	tags := make([]ec2types.Tag, 0, len(keys))
	for _, k := range keys {
		tags = append(tags, ec2types.Tag{Key: aws.String(k)})
	}
	_, err := retry(ctx, func() (*ec2.DeleteTagsOutput, error) {
		return p.ec2.DeleteTags(ctx, &ec2.DeleteTagsInput{
			Resources: []string{volumeID},
			Tags:      tags,
		})
	})
	return wrapAWS("untag_volume", err)
}

func (p *AWSProvider) CreateSnapshot(ctx context.Context, params CreateSnapshotParams) (*Snapshot, error) {
	out, err := retry(ctx, func() (*ec2.CreateSnapshotOutput, error) {
		return p.ec2.CreateSnapshot(ctx, &ec2.CreateSnapshotInput{
			VolumeId:    aws.String(params.VolumeID),
			Description: aws.String(params.Description),
			TagSpecifications: []ec2types.TagSpecification{{
				ResourceType: ec2types.ResourceTypeSnapshot,
				Tags:         tagsToEC2(params.Tags),
			}},
		})
	})
	if err != nil {
		return nil, wrapAWS("create_snapshot", err)
	}
	return &Snapshot{
		SnapshotID: aws.ToString(out.SnapshotId),
		VolumeID:   aws.ToString(out.VolumeId),
		Status:     string(out.State),
		SizeGB:     aws.ToInt32(out.VolumeSize),
		CreatedAt:  aws.ToTime(out.StartTime),
		Tags:       ec2TagsToMap(out.Tags),
	}, nil
}

func (p *AWSProvider) TagSnapshot(ctx context.Context, snapshotID string, tags map[string]string) error {
	_, err := retry(ctx, func() (*ec2.CreateTagsOutput, error) {
		return p.ec2.CreateTags(ctx, &ec2.CreateTagsInput{
			Resources: []string{snapshotID},
			Tags:      tagsToEC2(tags),
		})
	})
	return wrapAWS("tag_snapshot", err)
}

func (p *AWSProvider) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	_, err := retry(ctx, func() (*ec2.DeleteSnapshotOutput, error) {
		return p.ec2.DeleteSnapshot(ctx, &ec2.DeleteSnapshotInput{SnapshotId: aws.String(snapshotID)})
	})
	return wrapAWS("delete_snapshot", err)
}

func (p *AWSProvider) GetSnapshot(ctx context.Context, snapshotID string) (*Snapshot, error) {
	out, err := retry(ctx, func() (*ec2.DescribeSnapshotsOutput, error) {
		return p.ec2.DescribeSnapshots(ctx, &ec2.DescribeSnapshotsInput{SnapshotIds: []string{snapshotID}})
	})
	if err != nil {
		return nil, wrapAWS("get_snapshot", err)
	}
	if len(out.Snapshots) == 0 {
		return nil, notFound("aws", "get_snapshot", snapshotID)
	}
	return snapshotFromEC2(out.Snapshots[0]), nil
}

func snapshotFromEC2(s ec2types.Snapshot) *Snapshot {
	return &Snapshot{
		SnapshotID: aws.ToString(s.SnapshotId),
		VolumeID:   aws.ToString(s.VolumeId),
		Status:     string(s.State),
		SizeGB:     aws.ToInt32(s.VolumeSize),
		CreatedAt:  aws.ToTime(s.StartTime),
		Tags:       ec2TagsToMap(s.Tags),
	}
}

func (p *AWSProvider) ListSnapshots(ctx context.Context, f SnapshotFilter) ([]Snapshot, error) {
	filters := make([]ec2types.Filter, 0, len(f.Tags)+1)
	for k, v := range f.Tags {
		filters = append(filters, ec2types.Filter{Name: aws.String("tag:" + k), Values: []string{v}})
	}
	if len(f.Status) > 0 {
		filters = append(filters, ec2types.Filter{Name: aws.String("status"), Values: f.Status})
	}

	in := &ec2.DescribeSnapshotsInput{OwnerIds: []string{"self"}, Filters: filters}
	if f.VolumeID != "" {
		in.Filters = append(in.Filters, ec2types.Filter{Name: aws.String("volume-id"), Values: []string{f.VolumeID}})
	}

	var out []Snapshot
	var token *string
	for {
		in.NextToken = token
		resp, err := retry(ctx, func() (*ec2.DescribeSnapshotsOutput, error) {
			return p.ec2.DescribeSnapshots(ctx, in)
		})
		if err != nil {
			return nil, wrapAWS("list_snapshots", err)
		}
		for _, s := range resp.Snapshots {
			out = append(out, *snapshotFromEC2(s))
		}
		if resp.NextToken == nil {
			break
		}
		token = resp.NextToken
	}
	return out, nil
}

func (p *AWSProvider) WaitForSnapshot(ctx context.Context, snapshotID string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		snap, err := p.GetSnapshot(ctx, snapshotID)
		if err != nil {
			return err
		}
		switch snap.Status {
		case "completed":
			return nil
		case "error":
			return coreerr.New(coreerr.KindProviderPermanent, "snapshot "+snapshotID+" entered error state", nil)
		}

		select {
		case <-ctx.Done():
			return coreerr.New(coreerr.KindDeadlineExceeded, "waiting for snapshot "+snapshotID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (p *AWSProvider) NodesByGPUType(ctx context.Context, gpuType string) ([]Node, error) {
	out, err := retry(ctx, func() (*ec2.DescribeInstancesOutput, error) {
		return p.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			Filters: []ec2types.Filter{
				{Name: aws.String("tag:gpu-type"), Values: []string{gpuType}},
				{Name: aws.String("instance-state-name"), Values: []string{"running", "pending"}},
			},
		})
	})
	if err != nil {
		return nil, wrapAWS("nodes_by_gpu_type", err)
	}

	var nodes []Node
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			tags := ec2TagsToMap(inst.Tags)
			nodes = append(nodes, Node{
				NodeID:           aws.ToString(inst.InstanceId),
				Name:             tags["Name"],
				InstanceType:     string(inst.InstanceType),
				AvailabilityZone: aws.ToString(inst.Placement.AvailabilityZone),
				GPUType:          gpuType,
				Status:           string(inst.State.Name),
				Labels:           tags,
			})
		}
	}
	return nodes, nil
}

func (p *AWSProvider) UploadObject(ctx context.Context, bucket, key string, content []byte, contentType string) (string, error) {
	_, err := retry(ctx, func() (*s3.PutObjectOutput, error) {
		return p.s3.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(content),
			ContentType: aws.String(contentType),
		})
	})
	if err != nil {
		return "", wrapAWS("upload_object", err)
	}
	return fmt.Sprintf("s3://%s/%s", bucket, key), nil
}

func (p *AWSProvider) DownloadObject(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := retry(ctx, func() (*s3.GetObjectOutput, error) {
		return p.s3.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	})
	if err != nil {
		return nil, wrapAWS("download_object", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading object body: %w", err)
	}
	return data, nil
}
