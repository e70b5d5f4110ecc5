package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// AWSClients bundles the service clients the pipeline talks to. Any field may
// be preset with a fake before Fill.
type AWSClients struct {
	DynamoDB   DynamoDBAPI
	SQS        SQSAPI
	CloudWatch CloudWatchAPI
}

// NewAWSClients loads AWS config and returns concrete clients for every service.
func NewAWSClients(ctx context.Context, region, endpoint string) (*AWSClients, error) {
	c := &AWSClients{}
	if err := c.Fill(ctx, region, endpoint); err != nil {
		return nil, err
	}
	return c, nil
}

// Fill creates concrete clients for the nil fields only. The shared AWS
// config is not loaded at all when every field is preset.
func (c *AWSClients) Fill(ctx context.Context, region, endpoint string) error {
	if c.DynamoDB != nil && c.SQS != nil && c.CloudWatch != nil {
		return nil
	}

	cfg, err := LoadAWSConfig(ctx, region, endpoint)
	if err != nil {
		return err
	}
	if c.DynamoDB == nil {
		c.DynamoDB = dynamodb.NewFromConfig(cfg)
	}
	if c.SQS == nil {
		c.SQS = sqs.NewFromConfig(cfg)
	}
	if c.CloudWatch == nil {
		c.CloudWatch = cloudwatch.NewFromConfig(cfg)
	}
	return nil
}
