package awscloud

import (
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	smithy "github.com/aws/smithy-go"

	"github.com/iamdavid-vaughan/deploysub/internal/cloud"
)

// awsErrorCode extracts the API error code smithy attaches to every
// service error, used to distinguish "already exists" / "not found" from
// genuine failures without matching on message text.
func awsErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func isNotFound(err error) bool {
	code := awsErrorCode(err)
	switch code {
	case "InvalidKeyPair.NotFound",
		"InvalidGroup.NotFound",
		"InvalidInstanceID.NotFound",
		"NoSuchEntity",
		"NoSuchBucket",
		"NoSuchHostedZone":
		return true
	}
	return strings.Contains(code, "NotFound")
}

func isAlreadyExists(err error) bool {
	code := awsErrorCode(err)
	switch code {
	case "InvalidKeyPair.Duplicate",
		"InvalidGroup.Duplicate",
		"EntityAlreadyExists",
		"BucketAlreadyOwnedByYou",
		"BucketAlreadyExists":
		return true
	}
	return strings.Contains(code, "AlreadyExists") || strings.Contains(code, "Duplicate")
}

// managedTags stamps every resource this orchestrator creates with the
// ManagedByTag/ManagedByValue pair (cloud.ManagedByTag), so a later describe
// can tell apart resources we own from ones we merely adopted.
func managedTags(resourceType types.ResourceType, name string) types.TagSpecification {
	return types.TagSpecification{
		ResourceType: resourceType,
		Tags: []types.Tag{
			{Key: aws.String("Name"), Value: aws.String(name)},
			{Key: aws.String(cloud.ManagedByTag), Value: aws.String(cloud.ManagedByValue)},
		},
	}
}

// isManagedByUs reports whether a resource's tag set carries our
// ManagedByTag/ManagedByValue pair, distinguishing resources we created
// from ones an operator hand-created and pointed the config at (adopted,
// destroy-exempt).
func isManagedByUs(tags []types.Tag) bool {
	for _, t := range tags {
		if aws.ToString(t.Key) == cloud.ManagedByTag && aws.ToString(t.Value) == cloud.ManagedByValue {
			return true
		}
	}
	return false
}
