// Package orchestrator implements the Phase Orchestrator: it drives section
// 4.8: it drives Credentials validation -> Infrastructure -> Hardening ->
// DNS -> TLS -> Application -> Completed in order, persists the Deployment
// State after every phase boundary, and resumes at the first incomplete
// phase on reinvocation.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/iamdavid-vaughan/deploysub/internal/appsource"
	"github.com/iamdavid-vaughan/deploysub/internal/cloud"
	"github.com/iamdavid-vaughan/deploysub/internal/config"
	"github.com/iamdavid-vaughan/deploysub/internal/dns"
	"github.com/iamdavid-vaughan/deploysub/internal/errs"
	"github.com/iamdavid-vaughan/deploysub/internal/harden"
	"github.com/iamdavid-vaughan/deploysub/internal/ledger"
	"github.com/iamdavid-vaughan/deploysub/internal/logging"
	"github.com/iamdavid-vaughan/deploysub/internal/model"
	"github.com/iamdavid-vaughan/deploysub/internal/recovery"
	tlspipeline "github.com/iamdavid-vaughan/deploysub/internal/tls"
	"github.com/iamdavid-vaughan/deploysub/internal/sshbroker"
)

// VMStateDeadline and DNSPropagationDeadline bound how long the
// orchestrator waits on VM state and DNS propagation before giving up;
// the SSH connect wait is bounded by the broker's ReachableDeadline.
const (
	VMStateDeadline        = 300 * time.Second
	DNSPropagationDeadline = 30 * time.Minute
)

// Orchestrator drives one project's deployment to completion.
type Orchestrator struct {
	store   *ledger.Store
	cloud   cloud.Manager
	broker  *sshbroker.Broker
	dns     dns.Driver
	dnsZone string
	log     *logging.Logger
	cfg     *config.Config
}

func New(store *ledger.Store, mgr cloud.Manager, broker *sshbroker.Broker, dnsDriver dns.Driver, dnsZone string, log *logging.Logger, cfg *config.Config) *Orchestrator {
	return &Orchestrator{store: store, cloud: mgr, broker: broker, dns: dnsDriver, dnsZone: dnsZone, log: log, cfg: cfg}
}

// Apply runs to completion, resuming from whatever phase the persisted
// Deployment State last reached.
func (o *Orchestrator) Apply(ctx context.Context) error {
	if errsList := o.cfg.Validate(); len(errsList) > 0 {
		return errs.Validation(errsList[0].Field, errsList[0].Rule)
	}

	if err := o.store.Lock(); err != nil {
		return fmt.Errorf("acquiring project lock: %w", err)
	}
	defer o.store.Unlock()

	state, err := o.loadOrInit()
	if err != nil {
		return err
	}

	for state.Phase != model.PhaseCompleted {
		if err := ctx.Err(); err != nil {
			o.log.Warning("interrupted; state snapshot saved for resume")
			if saveErr := o.save(state); saveErr != nil {
				return saveErr
			}
			return errs.UserCancelled(err)
		}

		o.log.Status(fmt.Sprintf("entering phase %s", state.Phase))

		var phaseErr error
		switch state.Phase {
		case model.PhaseInit:
			phaseErr = o.runCredentialsPhase(ctx, state)
		case model.PhaseInfra:
			phaseErr = o.runInfraPhase(ctx, state)
		case model.PhaseHardening:
			phaseErr = o.runHardeningPhase(ctx, state)
		case model.PhaseDNS:
			phaseErr = o.runDNSPhase(ctx, state)
		case model.PhaseTLS:
			phaseErr = o.runTLSPhase(ctx, state)
		case model.PhaseApplication:
			phaseErr = o.runApplicationPhase(ctx, state)
		}

		if phaseErr != nil {
			state.LastError = phaseErr.Error()
			_ = o.save(state)
			if ctx.Err() != nil {
				return errs.UserCancelled(phaseErr)
			}
			return phaseErr
		}

		state.Phase = state.Phase.Next()
		state.LastError = ""
		if err := o.save(state); err != nil {
			return fmt.Errorf("persisting after phase boundary: %w", err)
		}
	}

	o.log.Status("deployment completed")
	return nil
}

// Resume is an explicit alias for Apply: both detect partial completion
// from state.json and continue from the first incomplete phase.
func (o *Orchestrator) Resume(ctx context.Context) error {
	return o.Apply(ctx)
}

func (o *Orchestrator) loadOrInit() (*model.DeploymentState, error) {
	if o.store.Exists() {
		return o.store.Load()
	}
	salt := strconv.FormatInt(time.Now().Unix()%1e8, 10)
	project := model.Project{Name: o.cfg.Project.Name, Region: o.cfg.Project.Region, OperatingSystem: model.OperatingSystem(o.cfg.Infrastructure.OperatingSystem), Salt: salt}
	state := model.NewDeploymentState(project)
	if err := o.save(state); err != nil {
		return nil, err
	}
	return state, nil
}

func (o *Orchestrator) save(state *model.DeploymentState) error {
	state.UpdatedAt = time.Now()
	return o.store.Save(state)
}

// runCredentialsPhase confirms the cloud credentials the orchestrator was
// handed are usable before any resource is touched.
func (o *Orchestrator) runCredentialsPhase(ctx context.Context, state *model.DeploymentState) error {
	type callerIdentifier interface {
		CallerIdentity(ctx context.Context) (string, error)
	}
	if ci, ok := o.cloud.(callerIdentifier); ok {
		if _, err := ci.CallerIdentity(ctx); err != nil {
			return errs.Auth("cloud", "credentials check", err)
		}
	}
	return nil
}

func (o *Orchestrator) runInfraPhase(ctx context.Context, state *model.DeploymentState) error {
	keyPath, err := sshbroker.DefaultKeyPath(state.Project.Name, "cloud")
	if err != nil {
		return fmt.Errorf("resolving key path: %w", err)
	}

	keyPairName := state.Project.Name + "-" + state.Project.Salt
	kp, err := o.cloud.EnsureKeyPair(ctx, cloud.KeyPairSpec{Name: keyPairName, LocalPrivatePath: keyPath})
	if err != nil {
		return err
	}
	o.recordResource(state, model.KindKeyPair, keyPairName, kp.Outcome)

	fw, err := o.cloud.EnsureFirewallGroup(ctx, cloud.FirewallGroupSpec{
		Name:           state.Project.Name + "-" + state.Project.Salt,
		TransitionPort: 22,
		CustomSSHPort:  o.cfg.Security.SSH.CustomPort,
		AppPort:        int32(o.cfg.Application.Port),
	})
	if err != nil {
		return err
	}
	o.recordResource(state, model.KindFirewallGroup, fw.ProviderID, fw.Outcome)

	roleName := state.Project.Name + "-role"
	role, err := o.cloud.EnsureIdentityRole(ctx, cloud.IdentityRoleSpec{Name: roleName})
	if err != nil {
		return err
	}
	state.Ledger.Record(model.ResourceRecord{
		Kind: model.KindIdentityRole, ProviderID: roleName, CreatedAt: time.Now(), WeCreatedIt: role.Outcome != cloud.Adopted,
		Attributes: map[string]string{"role_arn": role.RoleARN, "instance_profile_arn": role.InstanceProfileARN},
	})

	store, err := o.cloud.EnsureObjectStore(ctx, cloud.ObjectStoreSpec{ProjectName: state.Project.Name, Region: state.Project.Region, Salt: state.Project.Salt})
	if err != nil {
		return err
	}
	o.recordResource(state, model.KindObjectStore, store.Name, store.Outcome)

	vm, err := o.cloud.EnsureVM(ctx, cloud.VMSpec{
		Name:               state.Project.Name + "-" + state.Project.Salt,
		OperatingSystem:    string(state.Project.OperatingSystem),
		InstanceClass:      o.cfg.Infrastructure.InstanceClass,
		RootVolumeGB:       int32(o.cfg.Infrastructure.RootVolumeGB),
		KeyPairName:        keyPairName,
		FirewallGroupID:    fw.ProviderID,
		InstanceProfileARN: role.InstanceProfileARN,
	})
	if err != nil {
		return err
	}

	vmOutcome := vm.Outcome
	vm, err = o.cloud.PollVMState(ctx, vm.InstanceID, "running", VMStateDeadline)
	if err != nil {
		return err
	}
	o.recordResource(state, model.KindVM, vm.InstanceID, vmOutcome)
	state.Ledger.Records[model.KindVM] = model.ResourceRecord{
		Kind: model.KindVM, ProviderID: vm.InstanceID, CreatedAt: time.Now(), WeCreatedIt: vmOutcome != cloud.Adopted,
		Attributes: map[string]string{"public_ipv4": vm.PublicIPv4},
	}

	startIdentity := model.ConnectionIdentity{Host: vm.PublicIPv4, Port: 22, Username: defaultOSUser(state.Project.OperatingSystem), CredentialRef: keyPath}
	return o.broker.WaitReachable(ctx, startIdentity)
}

func defaultOSUser(os model.OperatingSystem) string {
	if os == model.OSDebian12 {
		return "admin"
	}
	return "ubuntu"
}

func (o *Orchestrator) recordResource(state *model.DeploymentState, kind model.ResourceKind, id string, outcome cloud.Outcome) {
	state.Ledger.Record(model.ResourceRecord{Kind: kind, ProviderID: id, CreatedAt: time.Now(), WeCreatedIt: outcome != cloud.Adopted})
}

func (o *Orchestrator) runHardeningPhase(ctx context.Context, state *model.DeploymentState) error {
	vmRec, ok := state.Ledger.Lookup(model.KindVM)
	if !ok {
		return fmt.Errorf("hardening phase: no vm recorded in ledger")
	}
	publicIP := vmRec.Attributes["public_ipv4"]

	fwRec, _ := state.Ledger.Lookup(model.KindFirewallGroup)

	startKeyPath, err := sshbroker.DefaultKeyPath(state.Project.Name, "cloud")
	if err != nil {
		return err
	}
	deployKeyPath, err := sshbroker.DefaultKeyPath(state.Project.Name, "deploy")
	if err != nil {
		return err
	}

	startIdentity := model.ConnectionIdentity{Host: publicIP, Port: 22, Username: defaultOSUser(state.Project.OperatingSystem), CredentialRef: startKeyPath}
	terminalIdentity := model.ConnectionIdentity{Host: publicIP, Port: o.cfg.Security.SSH.CustomPort, Username: o.cfg.Security.SSH.DeploymentUser, CredentialRef: deployKeyPath}

	cfg := harden.Config{
		DeploymentUser:      o.cfg.Security.SSH.DeploymentUser,
		CustomPort:          o.cfg.Security.SSH.CustomPort,
		AppPort:             int32(o.cfg.Application.Port),
		FirewallGroupID:     fwRec.ProviderID,
		PasswordAuthEnabled: o.cfg.Security.SSH.AuthMethod == config.AuthKeysAndPassword,
		KeyPath:             deployKeyPath,
	}

	machine := harden.New(o.broker, o.cloud, o.log, cfg, state.HardeningState, func(ctx context.Context, hs *model.HardeningState) error {
		state.HardeningState = hs
		return o.save(state)
	})

	runErr := machine.Run(ctx, startIdentity, terminalIdentity)
	var e *errs.Error
	if runErr != nil && errs.As(runErr, &e) && e.Kind == errs.KindRecoveryRequired {
		if recErr := o.attemptRecovery(ctx, state, vmRec.ProviderID); recErr != nil {
			return fmt.Errorf("recovery channel: %w (original: %v)", recErr, runErr)
		}
		o.log.Status("recovery channel restored ssh access; retrying hardening")
		return machine.Run(ctx, startIdentity, terminalIdentity)
	}
	return runErr
}

// attemptRecovery pivots to the cloud-vendor out-of-band channel when
// the Broker cannot reach the host under any known identity.
func (o *Orchestrator) attemptRecovery(ctx context.Context, state *model.DeploymentState, instanceID string) error {
	o.log.Warning("ssh unreachable under any known identity; pivoting to recovery channel")
	ch, err := recovery.New(ctx, state.Project.Region, instanceID, o.log)
	if err != nil {
		return fmt.Errorf("opening recovery channel: %w", err)
	}
	return ch.Run(ctx)
}

func (o *Orchestrator) runDNSPhase(ctx context.Context, state *model.DeploymentState) error {
	if len(o.cfg.Domains) == 0 || o.dns == nil {
		return nil
	}
	vmRec, ok := state.Ledger.Lookup(model.KindVM)
	if !ok {
		return fmt.Errorf("dns phase: no vm recorded in ledger")
	}
	publicIP := vmRec.Attributes["public_ipv4"]

	plan := &model.DomainPlan{}
	for _, d := range o.cfg.Domains {
		entry := model.DomainEntry{Name: d.Name, Wildcard: d.Wildcard, Challenge: model.Challenge(d.Challenge)}
		plan.Entries = append(plan.Entries, entry)

		if err := o.dns.UpsertARecord(ctx, o.dnsZone, d.Name, publicIP, 300); err != nil {
			return fmt.Errorf("upserting A record for %s: %w", d.Name, err)
		}
		state.Ledger.Record(model.ResourceRecord{Kind: model.DNSRecordKind(d.Name), ProviderID: d.Name, CreatedAt: time.Now(), WeCreatedIt: true})

		if err := dns.WaitForGlobalResolution(ctx, d.Name, publicIP, DNSPropagationDeadline); err != nil {
			return errs.Propagation("dns for "+d.Name, err)
		}
	}
	state.DomainPlan = plan
	return nil
}

func (o *Orchestrator) runTLSPhase(ctx context.Context, state *model.DeploymentState) error {
	if state.DomainPlan == nil || len(state.DomainPlan.Entries) == 0 {
		return nil
	}
	vmRec, _ := state.Ledger.Lookup(model.KindVM)

	pipeline := tlspipeline.New(o.broker, o.dns, o.dnsZone, o.cfg.TLS.Email, int32(o.cfg.Application.Port), vmRec.Attributes["public_ipv4"], o.log.With("tls"))
	results := pipeline.Run(ctx, state.DomainPlan.Entries)

	tlsState := &model.TLSState{RenewalTimer: true, IssuedAt: time.Now()}
	var failures []string
	for _, r := range results {
		if r.Err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", r.Domain.Name, r.Err))
			continue
		}
		tlsState.IssuedFor = append(tlsState.IssuedFor, r.Domain.Name)
		tlsState.CertPath = r.CertPath
		tlsState.KeyPath = r.KeyPath
	}
	state.TLSState = tlsState

	if len(failures) > 0 && len(tlsState.IssuedFor) == 0 {
		return fmt.Errorf("certificate issuance failed for all domains: %v", failures)
	}
	if len(failures) > 0 {
		o.log.Warning(fmt.Sprintf("certificate issuance failed for some domains: %v", failures))
	}
	return nil
}

func (o *Orchestrator) runApplicationPhase(ctx context.Context, state *model.DeploymentState) error {
	switch o.cfg.Application.Source {
	case config.AppSourceGit:
		src, err := appsource.NewGitSource(os.Getenv("GITHUB_TOKEN"), o.cfg.Application.Git.Repo)
		if err != nil {
			return err
		}
		resolved, err := src.Resolve(ctx, o.cfg.Application.Git.Ref)
		if err != nil {
			return fmt.Errorf("resolving application source: %w", err)
		}
		o.log.Status(fmt.Sprintf("resolved application source to %s@%s", o.cfg.Application.Git.Repo, resolved.SHA))
		state.AppDeployedRef = resolved.SHA
	case config.AppSourceContainerImage:
		state.AppDeployedRef = o.cfg.Application.Container.Image
	case config.AppSourcePlaceholder, "":
		// nothing to deploy
	}

	if o.cfg.Application.Database.Engine != "" {
		engine := o.cfg.Application.Database.Engine
		var err error
		if o.cfg.Application.Database.RDSInstanceID != "" {
			err = appsource.ProbeManagedDatabase(ctx, engine, o.cfg.Application.Database.RDSInstanceID, defaultDBUser(engine), "", state.Project.Name)
		} else {
			vmRec, ok := state.Ledger.Lookup(model.KindVM)
			if !ok {
				return fmt.Errorf("application phase: no vm recorded in ledger")
			}
			err = appsource.ProbeDatabase(ctx, engine, vmRec.Attributes["public_ipv4"], defaultDBPort(engine), defaultDBUser(engine), "", state.Project.Name)
		}
		if err != nil {
			o.log.Warning(fmt.Sprintf("application database not yet reachable: %v", err))
		}
	}
	return nil
}

func defaultDBUser(engine string) string {
	if engine == "postgres" {
		return "postgres"
	}
	return "root"
}

func defaultDBPort(engine string) int {
	if engine == "postgres" {
		return 5432
	}
	return 3306
}

// Destroy tears down every resource the ledger recorded, in reverse order
// of creation, skipping anything recorded with WeCreatedIt=false, and
// removes the state file last.
func (o *Orchestrator) Destroy(ctx context.Context) error {
	if err := o.store.Lock(); err != nil {
		return fmt.Errorf("acquiring project lock: %w", err)
	}
	defer o.store.Unlock()

	state, err := o.store.Load()
	if err != nil {
		return fmt.Errorf("loading state for destroy: %w", err)
	}

	for domain := range domainRecords(state) {
		if rec, ok := state.Ledger.Lookup(model.DNSRecordKind(domain)); ok && rec.WeCreatedIt && o.dns != nil {
			if err := o.dns.DeleteARecord(ctx, o.dnsZone, domain); err != nil {
				o.log.Warning(fmt.Sprintf("deleting dns record %s: %v", domain, err))
			}
			state.Ledger.Forget(model.DNSRecordKind(domain))
		}
	}

	order := []model.ResourceKind{model.KindVM, model.KindObjectStore, model.KindIdentityRole, model.KindFirewallGroup, model.KindKeyPair}
	for _, kind := range order {
		rec, ok := state.Ledger.Lookup(kind)
		if !ok || !rec.WeCreatedIt {
			continue
		}
		if err := o.destroyOne(ctx, kind, rec.ProviderID); err != nil {
			o.log.Warning(fmt.Sprintf("destroying %s: %v", kind, err))
			continue
		}
		state.Ledger.Forget(kind)
	}

	return o.store.Remove()
}

func domainRecords(state *model.DeploymentState) map[string]struct{} {
	names := map[string]struct{}{}
	if state.DomainPlan != nil {
		for _, d := range state.DomainPlan.Entries {
			names[d.Name] = struct{}{}
		}
	}
	return names
}

func (o *Orchestrator) destroyOne(ctx context.Context, kind model.ResourceKind, id string) error {
	switch kind {
	case model.KindVM:
		return o.cloud.DeleteVM(ctx, id)
	case model.KindObjectStore:
		return o.cloud.DeleteObjectStore(ctx, id)
	case model.KindIdentityRole:
		return o.cloud.DeleteIdentityRole(ctx, id)
	case model.KindFirewallGroup:
		return o.cloud.DeleteFirewallGroup(ctx, id)
	case model.KindKeyPair:
		return o.cloud.DeleteKeyPair(ctx, id)
	}
	return nil
}

// Status reports the current phase and hardening progress without
// acquiring the exclusive lock, matching the `status` CLI surface.
func (o *Orchestrator) Status() (*model.DeploymentState, error) {
	if !o.store.Exists() {
		return nil, nil
	}
	return o.store.Load()
}
