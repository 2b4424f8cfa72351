package entra

import (
	"context"
	"fmt"
	"strings"

	"github.com/openlakehouse/lakesource/pkg/adapter"
	"github.com/openlakehouse/lakesource/pkg/config"
	"github.com/openlakehouse/lakesource/pkg/engine"
	"github.com/openlakehouse/lakesource/pkg/telemetry"
)

// membershipIDSeparator joins group and member object IDs into one
// external ID. The adapter owns this encoding.
const membershipIDSeparator = "/"

func init() {
	adapter.Register(engine.SubsystemDirectory, func(cfg *config.Config, log *telemetry.Logger) (engine.Adapter, error) {
		client, err := NewClient(&cfg.Directory)
		if err != nil {
			return nil, err
		}
		return NewAdapter(client, log), nil
	})
}

// Adapter provisions directory subsystem resources.
type Adapter struct {
	client *Client
	log    *telemetry.Logger
}

// NewAdapter builds the directory adapter over a Graph client.
func NewAdapter(client *Client, log *telemetry.Logger) *Adapter {
	if log == nil {
		log = telemetry.NewNopLogger()
	}
	return &Adapter{client: client, log: log.NewComponentLogger("entra")}
}

// Subsystem implements engine.Adapter.
func (a *Adapter) Subsystem() engine.Subsystem {
	return engine.SubsystemDirectory
}

// Create implements engine.Adapter.
func (a *Adapter) Create(ctx context.Context, req *engine.CreateRequest) (*engine.CreateResult, error) {
	switch req.Kind {
	case engine.KindAppRegistration:
		return a.createAppRegistration(ctx, req)
	case engine.KindServicePrincipal:
		return a.createServicePrincipal(ctx, req)
	case engine.KindGroup:
		return a.createGroup(ctx, req)
	case engine.KindGroupMembership:
		return a.createGroupMembership(ctx, req)
	default:
		return nil, engine.NewPermanentError(
			fmt.Sprintf("directory adapter does not support kind %q", req.Kind), nil).
			WithCode(engine.ErrCodeUnknownKind)
	}
}

// Delete implements engine.Adapter.
func (a *Adapter) Delete(ctx context.Context, kind engine.Kind, externalID string) error {
	var err error
	switch kind {
	case engine.KindAppRegistration:
		err = a.client.deleteApplication(ctx, externalID)
	case engine.KindServicePrincipal:
		err = a.client.deleteServicePrincipal(ctx, externalID)
	case engine.KindGroup:
		err = a.client.deleteGroup(ctx, externalID)
	case engine.KindGroupMembership:
		return a.deleteGroupMembership(ctx, externalID)
	default:
		return engine.NewPermanentError(
			fmt.Sprintf("directory adapter does not support kind %q", kind), nil).
			WithCode(engine.ErrCodeUnknownKind)
	}
	if err != nil && !isNotFound(err) {
		return classify(fmt.Sprintf("deleting %s %q", kind, externalID), err)
	}
	return nil
}

// createAppRegistration ensures an application exists for the
// datasource and attaches a fresh client secret. An application found
// by display name is adopted rather than duplicated, but still gets a
// new password credential so the secret is always known to the caller.
func (a *Adapter) createAppRegistration(ctx context.Context, req *engine.CreateRequest) (*engine.CreateResult, error) {
	name := displayName(req)

	app, err := a.client.findApplication(ctx, name)
	if err != nil {
		return nil, classify(fmt.Sprintf("looking up application %q", name), err)
	}
	if app == nil {
		app, err = a.client.createApplication(ctx, name)
		if err != nil {
			return nil, classify(fmt.Sprintf("creating application %q", name), err)
		}
		a.log.Infof("created application %q (%s)", name, app.ID)
	} else {
		a.log.Infof("adopted existing application %q (%s)", name, app.ID)
	}

	cred, err := a.client.addApplicationPassword(ctx, app.ID, name+"-automation")
	if err != nil {
		return nil, classify(fmt.Sprintf("adding password to application %q", name), err)
	}

	return &engine.CreateResult{
		ExternalID: app.ID,
		Secrets:    map[string]string{"client_secret": cred.SecretText},
		Attributes: map[string]string{
			"name":      name,
			"app_id":    app.AppID,
			"object_id": app.ID,
		},
	}, nil
}

func (a *Adapter) createServicePrincipal(ctx context.Context, req *engine.CreateRequest) (*engine.CreateResult, error) {
	appReg, err := req.PriorOutput(engine.KindAppRegistration)
	if err != nil {
		return nil, err
	}
	appID := appReg.Attributes["app_id"]
	if appID == "" {
		return nil, engine.NewInternalError("app registration output lacks app_id", nil).
			WithCode(engine.ErrCodeMissingOutput)
	}

	sp, err := a.client.findServicePrincipal(ctx, appID)
	if err != nil {
		return nil, classify(fmt.Sprintf("looking up service principal for app %q", appID), err)
	}
	if sp == nil {
		sp, err = a.client.createServicePrincipal(ctx, appID)
		if err != nil {
			return nil, classify(fmt.Sprintf("creating service principal for app %q", appID), err)
		}
		a.log.Infof("created service principal %s for app %q", sp.ID, appID)
	} else {
		a.log.Infof("adopted existing service principal %s for app %q", sp.ID, appID)
	}

	result := &engine.CreateResult{
		ExternalID: sp.ID,
		Attributes: map[string]string{
			"object_id": sp.ID,
			"app_id":    appID,
		},
	}
	// Downstream consumers authenticate as this principal but only see
	// this step's output, so the application secret rides along.
	if secret := appReg.Secrets["client_secret"]; secret != "" {
		result.Secrets = map[string]string{"client_secret": secret}
	}
	return result, nil
}

func (a *Adapter) createGroup(ctx context.Context, req *engine.CreateRequest) (*engine.CreateResult, error) {
	name := displayName(req)

	grp, err := a.client.findGroup(ctx, name)
	if err != nil {
		return nil, classify(fmt.Sprintf("looking up group %q", name), err)
	}
	if grp == nil {
		grp, err = a.client.createGroup(ctx, name, mailNickname(name))
		if err != nil {
			return nil, classify(fmt.Sprintf("creating group %q", name), err)
		}
		a.log.Infof("created group %q (%s)", name, grp.ID)
	} else {
		a.log.Infof("adopted existing group %q (%s)", name, grp.ID)
	}

	return &engine.CreateResult{
		ExternalID: grp.ID,
		Attributes: map[string]string{
			"name":      name,
			"object_id": grp.ID,
		},
	}, nil
}

func (a *Adapter) createGroupMembership(ctx context.Context, req *engine.CreateRequest) (*engine.CreateResult, error) {
	grp, err := req.PriorOutput(engine.KindGroup)
	if err != nil {
		return nil, err
	}
	sp, err := req.PriorOutput(engine.KindServicePrincipal)
	if err != nil {
		return nil, err
	}
	groupID := grp.Attributes["object_id"]
	memberID := sp.Attributes["object_id"]
	if groupID == "" || memberID == "" {
		return nil, engine.NewInternalError("group membership prerequisites lack object IDs", nil).
			WithCode(engine.ErrCodeMissingOutput)
	}

	if err := a.client.addGroupMember(ctx, groupID, memberID); err != nil {
		if isAlreadyMember(err) {
			a.log.Infof("principal %s is already a member of group %s", memberID, groupID)
		} else {
			return nil, classify(fmt.Sprintf("adding member %s to group %s", memberID, groupID), err)
		}
	} else {
		a.log.Infof("added principal %s to group %s", memberID, groupID)
	}

	return &engine.CreateResult{
		ExternalID: groupID + membershipIDSeparator + memberID,
		Attributes: map[string]string{
			"group_id":  groupID,
			"member_id": memberID,
		},
	}, nil
}

func (a *Adapter) deleteGroupMembership(ctx context.Context, externalID string) error {
	groupID, memberID, ok := strings.Cut(externalID, membershipIDSeparator)
	if !ok {
		return engine.NewPermanentError(
			fmt.Sprintf("cannot split membership ID %q", externalID), nil)
	}
	err := a.client.removeGroupMember(ctx, groupID, memberID)
	if err != nil && !isNotFound(err) {
		return classify(fmt.Sprintf("removing member %s from group %s", memberID, groupID), err)
	}
	return nil
}

func displayName(req *engine.CreateRequest) string {
	if name := req.Params["display_name"]; name != "" {
		return name
	}
	return req.Datasource
}

// mailNickname derives a Graph-acceptable nickname from a display name.
func mailNickname(name string) string {
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "group"
	}
	return b.String()
}
