package appsource

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/rds"
)

// ProbeManagedDatabase is the RDS counterpart to ProbeDatabase: instead of
// dialing a fixed host:port on the deployed VM, it first asks RDS for the
// instance's current endpoint (which can move across a failover or a
// restore) and then reuses the same mysql/postgres probe logic against
// whatever RDS reports right now.
func ProbeManagedDatabase(ctx context.Context, engine, instanceID, user, password, dbName string) error {
	ctx, cancel := context.WithTimeout(ctx, ProbeDeadline)
	defer cancel()

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("loading AWS SDK config for rds: %w", err)
	}
	client := rds.NewFromConfig(cfg)

	out, err := client.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{
		DBInstanceIdentifier: aws.String(instanceID),
	})
	if err != nil {
		return fmt.Errorf("describing rds instance %s: %w", instanceID, err)
	}
	if len(out.DBInstances) == 0 {
		return fmt.Errorf("rds instance %s not found", instanceID)
	}
	inst := out.DBInstances[0]
	if inst.Endpoint == nil || aws.ToString(inst.Endpoint.Address) == "" {
		return fmt.Errorf("rds instance %s has no endpoint yet (status %s)", instanceID, aws.ToString(inst.DBInstanceStatus))
	}
	host := aws.ToString(inst.Endpoint.Address)
	port := int(aws.ToInt32(inst.Endpoint.Port))

	switch engine {
	case "mysql":
		return probeMySQL(ctx, host, port, user, password, dbName)
	case "postgres":
		return probePostgres(ctx, host, port, user, password, dbName)
	default:
		return fmt.Errorf("unsupported managed database engine %q", engine)
	}
}
