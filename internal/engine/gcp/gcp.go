// Package gcp implements the engine.Engine interface using Google
// Cloud Compute Engine to run per-repository self-hosted runners as
// VMs.
//
// Authentication uses Application Default Credentials (ADC). No
// credential fields exist in Config -- auth is handled by the
// environment (attached service account, Workload Identity Federation,
// GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth application-default login).
//
// Instance names must satisfy RFC1035, which the fleet naming
// convention does not (mixed case, double hyphens), so the repository
// identity travels in instance metadata and the instance name is a
// sanitized slug plus a digest of the canonical runner name.
package gcp

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"google.golang.org/api/iterator"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/runnerfleet/internal/engine"
	"github.com/terrpan/runnerfleet/internal/fleet"
)

// instancePrefix marks VMs owned by this fleet.
const instancePrefix = "runner-"

// Metadata keys carrying the repository identity and registration
// material into the VM. The image's startup script reads these and
// runs config.sh / run.sh.
const (
	metaOwner  = "runnerfleet-owner"
	metaRepo   = "runnerfleet-repo"
	metaURL    = "runnerfleet-url"
	metaToken  = "runnerfleet-reg-token"
	metaLabels = "runnerfleet-labels"
)

// Config holds GCP-specific engine settings.
type Config struct {
	// Project is the GCP project ID (required).
	Project string

	// Zone is the GCP zone where runner VMs are created (required).
	Zone string

	// MachineType is the Compute Engine machine type.
	// Default: "e2-medium".
	MachineType string

	// Image is the full self-link or family URL of the runner image
	// (required). The image must carry a startup script that registers
	// the runner from instance metadata.
	Image string

	// DiskSizeGB is the boot disk size in GB. Default: 50.
	DiskSizeGB int64

	// Network is the VPC network (optional). Defaults to "default".
	Network string

	// Subnet is the subnetwork (optional). If empty, the default
	// subnet for the zone is used.
	Subnet string

	// PublicIP controls whether runner VMs get an external IP.
	// Default: true.
	PublicIP bool

	// ServiceAccount is the GCP service account email to attach to
	// runner VMs (optional).
	ServiceAccount string

	// RunnerLabels are the runner labels passed through metadata.
	// Default: ["self-hosted"].
	RunnerLabels []string
}

// operationWaiter is the part of *compute.Operation the engine needs.
type operationWaiter interface {
	Wait(ctx context.Context, opts ...gax.CallOption) error
}

// instancesAPI abstracts the Compute instances client for testing.
type instancesAPI interface {
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest, opts ...gax.CallOption) (operationWaiter, error)
	Delete(ctx context.Context, req *computepb.DeleteInstanceRequest, opts ...gax.CallOption) (operationWaiter, error)
	List(ctx context.Context, req *computepb.ListInstancesRequest, opts ...gax.CallOption) ([]*computepb.Instance, error)
	Close() error
}

// instancesClient adapts *compute.InstancesClient to instancesAPI,
// draining the list iterator into a slice.
type instancesClient struct {
	c *compute.InstancesClient
}

func (w *instancesClient) Insert(ctx context.Context, req *computepb.InsertInstanceRequest, opts ...gax.CallOption) (operationWaiter, error) {
	return w.c.Insert(ctx, req, opts...)
}

func (w *instancesClient) Delete(ctx context.Context, req *computepb.DeleteInstanceRequest, opts ...gax.CallOption) (operationWaiter, error) {
	return w.c.Delete(ctx, req, opts...)
}

func (w *instancesClient) List(ctx context.Context, req *computepb.ListInstancesRequest, opts ...gax.CallOption) ([]*computepb.Instance, error) {
	it := w.c.List(ctx, req, opts...)
	var out []*computepb.Instance
	for {
		inst, err := it.Next()
		if err == iterator.Done {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
}

func (w *instancesClient) Close() error { return w.c.Close() }

// Engine manages per-repository runners as GCP Compute Engine VMs.
type Engine struct {
	client instancesAPI
	cfg    Config
	logger *slog.Logger
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates a GCP engine using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.MachineType == "" {
		cfg.MachineType = "e2-medium"
	}
	if cfg.DiskSizeGB == 0 {
		cfg.DiskSizeGB = 50
	}
	if cfg.Network == "" {
		cfg.Network = "default"
	}
	if len(cfg.RunnerLabels) == 0 {
		cfg.RunnerLabels = []string{"self-hosted"}
	}

	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}

	logger.Info("gcp engine initialized",
		slog.String("project", cfg.Project),
		slog.String("zone", cfg.Zone),
		slog.String("machine_type", cfg.MachineType),
		slog.String("image", cfg.Image),
	)

	return &Engine{
		client: &instancesClient{c: client},
		cfg:    cfg,
		logger: logger,
	}, nil
}

// ListRunners lists fleet-prefixed instances in the configured zone
// and reads each repository identity out of instance metadata.
// Instances without a usable identity are skipped with a warning.
func (e *Engine) ListRunners(ctx context.Context) ([]fleet.Repo, error) {
	instances, err := e.client.List(ctx, &computepb.ListInstancesRequest{
		Project: e.cfg.Project,
		Zone:    e.cfg.Zone,
		Filter:  proto.String(fmt.Sprintf("name eq %q", instancePrefix+".*")),
	})
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	var repos []fleet.Repo
	for _, inst := range instances {
		repo, ok := identityFromMetadata(inst.GetMetadata())
		if !ok {
			e.logger.Warn("skipping instance without repository identity",
				slog.String("instance", inst.GetName()),
			)
			continue
		}
		if err := repo.Validate(); err != nil {
			e.logger.Warn("skipping instance with malformed identity",
				slog.String("instance", inst.GetName()),
				slog.String("error", err.Error()),
			)
			continue
		}
		repos = append(repos, repo)
	}
	return repos, nil
}

// StartRunner creates and starts a VM for repo. The registration token
// and target URL travel via instance metadata; the token is never
// logged.
func (e *Engine) StartRunner(ctx context.Context, repo fleet.Repo, token string) (string, error) {
	name, err := instanceName(repo)
	if err != nil {
		return "", err
	}

	machineType := fmt.Sprintf("zones/%s/machineTypes/%s", e.cfg.Zone, e.cfg.MachineType)

	disk := &computepb.AttachedDisk{
		AutoDelete: proto.Bool(true),
		Boot:       proto.Bool(true),
		InitializeParams: &computepb.AttachedDiskInitializeParams{
			SourceImage: proto.String(e.cfg.Image),
			DiskSizeGb:  proto.Int64(e.cfg.DiskSizeGB),
			DiskType:    proto.String(fmt.Sprintf("zones/%s/diskTypes/pd-ssd", e.cfg.Zone)),
		},
	}

	nic := &computepb.NetworkInterface{
		Network: proto.String(fmt.Sprintf("global/networks/%s", e.cfg.Network)),
	}
	if e.cfg.Subnet != "" {
		nic.Subnetwork = proto.String(e.cfg.Subnet)
	}
	if e.cfg.PublicIP {
		nic.AccessConfigs = []*computepb.AccessConfig{
			{
				Name: proto.String("External NAT"),
				Type: proto.String("ONE_TO_ONE_NAT"),
			},
		}
	}

	metadata := &computepb.Metadata{
		Items: []*computepb.Items{
			{Key: proto.String(metaOwner), Value: proto.String(repo.Owner)},
			{Key: proto.String(metaRepo), Value: proto.String(repo.Name)},
			{Key: proto.String(metaURL), Value: proto.String(repo.URL())},
			{Key: proto.String(metaToken), Value: proto.String(token)},
			{Key: proto.String(metaLabels), Value: proto.String(strings.Join(e.cfg.RunnerLabels, ","))},
		},
	}

	instance := &computepb.Instance{
		Name:              proto.String(name),
		MachineType:       proto.String(machineType),
		Disks:             []*computepb.AttachedDisk{disk},
		NetworkInterfaces: []*computepb.NetworkInterface{nic},
		Metadata:          metadata,
	}
	if e.cfg.ServiceAccount != "" {
		instance.ServiceAccounts = []*computepb.ServiceAccount{
			{
				Email:  proto.String(e.cfg.ServiceAccount),
				Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
			},
		}
	}

	e.logger.Info("creating runner VM",
		slog.String("repo", repo.Full()),
		slog.String("instance", name),
		slog.String("zone", e.cfg.Zone),
	)

	op, err := e.client.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          e.cfg.Project,
		Zone:             e.cfg.Zone,
		InstanceResource: instance,
	})
	if err != nil {
		return "", fmt.Errorf("insert instance %s: %w", name, err)
	}
	if err := op.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for instance %s: %w", name, err)
	}

	e.logger.Info("runner VM started",
		slog.String("repo", repo.Full()),
		slog.String("instance", name),
	)
	return name, nil
}

// StopRunner deletes the VM for repo. The instance name is
// deterministic, so no listing is needed. A VM that is already gone is
// success.
func (e *Engine) StopRunner(ctx context.Context, repo fleet.Repo) error {
	name, err := instanceName(repo)
	if err != nil {
		return err
	}

	e.logger.Info("deleting runner VM",
		slog.String("repo", repo.Full()),
		slog.String("instance", name),
	)

	op, err := e.client.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  e.cfg.Project,
		Zone:     e.cfg.Zone,
		Instance: name,
	})
	if err != nil {
		if isNotFound(err) {
			e.logger.Debug("runner VM already deleted", slog.String("instance", name))
			return nil
		}
		return fmt.Errorf("delete instance %s: %w", name, err)
	}
	if err := op.Wait(ctx); err != nil {
		// Race between delete and status check.
		if isNotFound(err) {
			e.logger.Debug("runner VM already deleted", slog.String("instance", name))
			return nil
		}
		return fmt.Errorf("waiting for delete of %s: %w", name, err)
	}

	e.logger.Info("runner VM deleted", slog.String("instance", name))
	return nil
}

// Close releases the underlying API client.
func (e *Engine) Close() error {
	return e.client.Close()
}

// instanceName derives the RFC1035-safe VM name for repo: a lowercased
// slug for readability plus a digest of the canonical runner name for
// uniqueness. Two distinct repositories can collide on the slug but
// not on the digest.
func instanceName(repo fleet.Repo) (string, error) {
	canonical, err := fleet.EncodeRunnerName(repo)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canonical))

	slug := slugify(repo.Owner + "-" + repo.Name)
	if len(slug) > 40 {
		slug = strings.TrimRight(slug[:40], "-")
	}
	return fmt.Sprintf("%s%s-%x", instancePrefix, slug, sum[:4]), nil
}

// slugify lowercases s and collapses anything outside [a-z0-9] into
// single hyphens.
func slugify(s string) string {
	var b strings.Builder
	prevHyphen := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			prevHyphen = false
		default:
			if !prevHyphen && b.Len() > 0 {
				b.WriteByte('-')
				prevHyphen = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// identityFromMetadata extracts the repository identity stored by
// StartRunner.
func identityFromMetadata(md *computepb.Metadata) (fleet.Repo, bool) {
	var repo fleet.Repo
	if md == nil {
		return repo, false
	}
	for _, item := range md.GetItems() {
		switch item.GetKey() {
		case metaOwner:
			repo.Owner = item.GetValue()
		case metaRepo:
			repo.Name = item.GetValue()
		}
	}
	return repo, repo.Owner != "" && repo.Name != ""
}

// isNotFound reports whether err is a 404 from the GCP API. The
// compute library surfaces 404s as wrapped googleapi errors whose
// formatted message carries the status.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{"Error 404", "code = NotFound", "notFound"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
