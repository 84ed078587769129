package servicerefresher_test

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ecs"
	"github.com/aws/aws-sdk-go/service/ecs/ecsiface"
	"github.com/stretchr/testify/require"

	"github.com/openemr/creds-rotator/internal/rotateerrors"
	"github.com/openemr/creds-rotator/internal/servicerefresher"
)

type mockECS struct {
	ecsiface.ECSAPI

	UpdateServiceFunc   func(*ecs.UpdateServiceInput) (*ecs.UpdateServiceOutput, error)
	DescribeServicesFunc func(*ecs.DescribeServicesInput) (*ecs.DescribeServicesOutput, error)
}

func (m *mockECS) UpdateService(in *ecs.UpdateServiceInput) (*ecs.UpdateServiceOutput, error) {
	return m.UpdateServiceFunc(in)
}

func (m *mockECS) DescribeServices(in *ecs.DescribeServicesInput) (*ecs.DescribeServicesOutput, error) {
	return m.DescribeServicesFunc(in)
}

func TestRefreshReturnsHandle(t *testing.T) {
	m := &mockECS{
		UpdateServiceFunc: func(in *ecs.UpdateServiceInput) (*ecs.UpdateServiceOutput, error) {
			require.True(t, *in.ForceNewDeployment)
			return &ecs.UpdateServiceOutput{
				Service: &ecs.Service{
					Deployments: []*ecs.Deployment{
						{Status: aws.String("PRIMARY"), Id: aws.String("dep-1")},
					},
				},
			}, nil
		},
	}
	r := servicerefresher.New(m, "my-cluster", "my-service")

	h, err := r.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, "dep-1", h.DeploymentID)
	require.Equal(t, "my-cluster", h.Cluster)
}

func TestWaitStableSucceedsImmediately(t *testing.T) {
	m := &mockECS{
		DescribeServicesFunc: func(in *ecs.DescribeServicesInput) (*ecs.DescribeServicesOutput, error) {
			return &ecs.DescribeServicesOutput{
				Services: []*ecs.Service{{
					RunningCount: aws.Int64(3),
					DesiredCount: aws.Int64(3),
					Deployments: []*ecs.Deployment{
						{Status: aws.String("PRIMARY"), RolloutState: aws.String("COMPLETED")},
					},
				}},
			}, nil
		},
	}
	r := servicerefresher.New(m, "c", "s")
	err := r.WaitStable(context.Background(), servicerefresher.Handle{Cluster: "c", Service: "s"}, 2*time.Second)
	require.NoError(t, err)
}

func TestWaitStableTimesOut(t *testing.T) {
	origInterval := servicerefresher.PollInterval
	servicerefresher.PollInterval = 10 * time.Millisecond
	defer func() { servicerefresher.PollInterval = origInterval }()

	m := &mockECS{
		DescribeServicesFunc: func(in *ecs.DescribeServicesInput) (*ecs.DescribeServicesOutput, error) {
			return &ecs.DescribeServicesOutput{
				Services: []*ecs.Service{{
					RunningCount: aws.Int64(1),
					DesiredCount: aws.Int64(3),
				}},
			}, nil
		},
	}
	r := servicerefresher.New(m, "c", "s")
	err := r.WaitStable(context.Background(), servicerefresher.Handle{Cluster: "c", Service: "s"}, 50*time.Millisecond)
	require.Error(t, err)

	var timeoutErr *rotateerrors.DeploymentTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
}
