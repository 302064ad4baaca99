// Package recovery implements an out-of-band shell mediated by the
// cloud vendor's control plane, used only when the SSH session broker
// cannot reach the host under any known identity. It is a sibling of
// internal/sshbroker, never a participant in the normal hardening
// sequence. It drives this over AWS Systems Manager's Run Command API:
// the VM's identity role already carries the SSM agent policy, so no
// inbound network path is required to reach the instance through this
// channel.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/iamdavid-vaughan/deploysub/internal/cloud/awscloud"
	"github.com/iamdavid-vaughan/deploysub/internal/logging"
)

// recoveryLogGroup is the fixed CloudWatch Logs group every recovery
// session writes its durable signal to, regardless of project name,
// since this channel must remain reachable even if a project's own
// logging configuration is in an inconsistent state.
const recoveryLogGroup = "/deploysub/recovery-channel"

// EmergencyKeyPath is the root-only host path FetchEmergencyKey reads the
// emergency private key from, exercised only through this channel.
// EnsureVM does not provision a key at this path.
const EmergencyKeyPath = "/root/.deploysub-emergency-key"

// RecoverySignalMarker is written to the host's syslog and to the
// recovery CloudWatch log stream, so anyone searching those logs can
// detect that the recovery script actually ran. Nothing in this
// repository reads it back.
const RecoverySignalMarker = "deploysub-recovery-channel-signal"

const pollInterval = 3 * time.Second

// Channel drives one recovery session against a single instance.
type Channel struct {
	ssm        *ssm.Client
	aws        *awscloud.Client
	instanceID string
	log        *logging.Logger
}

// New loads AWS credentials independently of any other cloud.Manager in
// use, since the Recovery Channel must function even if the Manager that
// created the VM has since been torn down or reconfigured.
func New(ctx context.Context, region, instanceID string, log *logging.Logger) (*Channel, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config for recovery channel: %w", err)
	}
	awsClient, err := awscloud.NewClient(ctx, region, log)
	if err != nil {
		return nil, fmt.Errorf("building aws client for recovery channel: %w", err)
	}
	return &Channel{ssm: ssm.NewFromConfig(cfg), aws: awsClient, instanceID: instanceID, log: log}, nil
}

// Run executes the fixed recovery script over the out-of-band channel:
// reset sshd to a permissive baseline, reopen port 22 on the host
// firewall, and emit a detectable signal. It never touches hardening
// state; the Phase Orchestrator treats a successful Run as "retry the
// Broker", not as progress on any hardening step.
func (c *Channel) Run(ctx context.Context) error {
	if failed, err := c.aws.InstanceStatusCheckFailed(ctx, c.instanceID); err != nil {
		c.log.Warning(fmt.Sprintf("checking instance status before recovery: %v", err))
	} else if failed {
		c.log.Warning("instance status check is failing; the underlying host, not just sshd, may be unreachable")
	}

	script := []string{
		"cp /etc/ssh/sshd_config /etc/ssh/sshd_config.recovery-backup || true",
		"sed -i 's/^PasswordAuthentication.*/PasswordAuthentication yes/' /etc/ssh/sshd_config || true",
		"sed -i 's/^Port .*/Port 22/' /etc/ssh/sshd_config || true",
		"systemctl reload ssh || systemctl reload sshd || true",
		"(command -v ufw >/dev/null && ufw allow 22/tcp) || true",
		"(command -v iptables >/dev/null && iptables -I INPUT -p tcp --dport 22 -j ACCEPT) || true",
		"logger -t deploysub " + RecoverySignalMarker,
	}
	if _, err := c.runCommand(ctx, script); err != nil {
		return fmt.Errorf("running recovery script: %w", err)
	}
	c.log.Status("recovery channel script completed on " + c.instanceID)

	if sigErr := c.aws.PutRecoverySignal(ctx, recoveryLogGroup, c.instanceID, RecoverySignalMarker); sigErr != nil {
		c.log.Warning(fmt.Sprintf("recording recovery signal in cloudwatch: %v", sigErr))
	}
	return nil
}

// FetchEmergencyKey reads the emergency private key over the recovery
// channel, the alternate path to the normal Broker/SSH credentials.
func (c *Channel) FetchEmergencyKey(ctx context.Context) ([]byte, error) {
	out, err := c.runCommand(ctx, []string{"cat " + EmergencyKeyPath})
	if err != nil {
		return nil, fmt.Errorf("fetching emergency key: %w", err)
	}
	return []byte(out), nil
}

func (c *Channel) runCommand(ctx context.Context, script []string) (string, error) {
	sendOut, err := c.ssm.SendCommand(ctx, &ssm.SendCommandInput{
		DocumentName: aws.String("AWS-RunShellScript"),
		InstanceIds:  []string{c.instanceID},
		Parameters:   map[string][]string{"commands": script},
	})
	if err != nil {
		return "", fmt.Errorf("sending command: %w", err)
	}
	commandID := aws.ToString(sendOut.Command.CommandId)

	for {
		inv, err := c.ssm.GetCommandInvocation(ctx, &ssm.GetCommandInvocationInput{
			CommandId:  aws.String(commandID),
			InstanceId: aws.String(c.instanceID),
		})
		if err != nil {
			return "", fmt.Errorf("polling command invocation: %w", err)
		}
		switch inv.Status {
		case types.CommandInvocationStatusSuccess:
			return aws.ToString(inv.StandardOutputContent), nil
		case types.CommandInvocationStatusFailed, types.CommandInvocationStatusCancelled, types.CommandInvocationStatusTimedOut:
			return "", fmt.Errorf("recovery command %s: %s: %s", inv.Status, aws.ToString(inv.StandardErrorContent), aws.ToString(inv.StatusDetails))
		}

		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}
