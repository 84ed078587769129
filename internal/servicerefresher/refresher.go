// Package servicerefresher triggers an ECS rolling deployment of the
// application fleet with no task definition change, then waits until it
// reports stable. It follows the same mockable-interface pattern used
// elsewhere in this module for secretsmanageriface, extended to the
// ecs/ecsiface subpackages of the same aws-sdk-go module.
package servicerefresher

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ecs"
	"github.com/aws/aws-sdk-go/service/ecs/ecsiface"

	"github.com/openemr/creds-rotator/internal/retry"
	"github.com/openemr/creds-rotator/internal/rotateerrors"
)

// DefaultWaitTimeout is the default wait_stable timeout.
const DefaultWaitTimeout = 20 * time.Minute

// PollInterval is how often wait_stable polls DescribeServices.
var PollInterval = 10 * time.Second

// Handle identifies an in-flight deployment, returned by Refresh.
type Handle struct {
	Cluster     string
	Service     string
	DeploymentID string
}

// Refresher is the ServiceRefresher component.
type Refresher struct {
	ecsClient ecsiface.ECSAPI
	cluster   string
	service   string
}

// New creates a Refresher for the given cluster/service.
func New(client ecsiface.ECSAPI, cluster, service string) *Refresher {
	return &Refresher{ecsClient: client, cluster: cluster, service: service}
}

// Refresh instructs ECS to begin a new rolling deployment using the
// existing task definition (ForceNewDeployment, no image change).
func (r *Refresher) Refresh(ctx context.Context) (Handle, error) {
	var out *ecs.UpdateServiceOutput
	err := retry.Do(ctx, nil, func() error {
		var uerr error
		out, uerr = r.ecsClient.UpdateService(&ecs.UpdateServiceInput{
			Cluster:            aws.String(r.cluster),
			Service:            aws.String(r.service),
			ForceNewDeployment: aws.Bool(true),
		})
		return uerr
	})
	if err != nil {
		return Handle{}, err
	}

	deploymentID := ""
	if out.Service != nil {
		for _, d := range out.Service.Deployments {
			if d.Status != nil && *d.Status == "PRIMARY" && d.Id != nil {
				deploymentID = *d.Id
				break
			}
		}
	}

	return Handle{Cluster: r.cluster, Service: r.service, DeploymentID: deploymentID}, nil
}

// WaitStable blocks until ECS reports the service has reached its desired
// task count with all tasks healthy (a single PRIMARY deployment, running
// count == desired count), or until timeout elapses.
func (r *Refresher) WaitStable(ctx context.Context, h Handle, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		stable, err := r.describeStable(ctx)
		if err != nil {
			return err
		}
		if stable {
			return nil
		}

		select {
		case <-ctx.Done():
			return &rotateerrors.DeploymentTimeoutError{
				Cluster: h.Cluster,
				Service: h.Service,
				Waited:  timeout.String(),
			}
		case <-ticker.C:
		}
	}
}

func (r *Refresher) describeStable(ctx context.Context) (bool, error) {
	var out *ecs.DescribeServicesOutput
	err := retry.Do(ctx, nil, func() error {
		var derr error
		out, derr = r.ecsClient.DescribeServices(&ecs.DescribeServicesInput{
			Cluster:  aws.String(r.cluster),
			Services: []*string{aws.String(r.service)},
		})
		return derr
	})
	if err != nil {
		return false, err
	}
	if len(out.Services) == 0 {
		return false, nil
	}

	svc := out.Services[0]
	if svc.RunningCount == nil || svc.DesiredCount == nil {
		return false, nil
	}
	if *svc.RunningCount != *svc.DesiredCount {
		return false, nil
	}

	for _, d := range svc.Deployments {
		if d.Status == nil || *d.Status != "PRIMARY" {
			return false, nil // an older deployment is still draining
		}
		if d.RolloutState != nil && *d.RolloutState != "COMPLETED" {
			return false, nil
		}
	}
	return true, nil
}
