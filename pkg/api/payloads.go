package api

import (
	"github.com/AppLetico/clasper/pkg/contracts"
	"github.com/AppLetico/clasper/pkg/policy"
)

type policyContextPayload struct {
	ExternalNetwork    *bool    `json:"external_network,omitempty"`
	WritesFiles        *bool    `json:"writes_files,omitempty"`
	ElevatedPrivileges *bool    `json:"elevated_privileges,omitempty"`
	PackageManager     *bool    `json:"package_manager,omitempty"`
	Targets            []string `json:"targets,omitempty"`
}

type provenancePayload struct {
	Source       string `json:"source,omitempty"`
	Publisher    string `json:"publisher,omitempty"`
	ArtifactHash string `json:"artifact_hash,omitempty"`
}

func (req *evaluatePolicyRequest) toContext(tenantID string) *policy.Context {
	ctx := &policy.Context{
		TenantID:              tenantID,
		WorkspaceID:           req.WorkspaceID,
		Environment:           req.Environment,
		Tool:                  req.Tool,
		AdapterID:             req.AdapterID,
		AdapterRiskClass:      req.AdapterRiskClass,
		SkillID:               req.SkillID,
		SkillState:            req.SkillState,
		RiskLevel:             req.RiskLevel,
		EstimatedCost:         req.EstimatedCost,
		RequestedCapabilities: req.RequestedCapabilities,
		Intent:                req.Intent,
	}
	if req.Context != nil {
		ctx.Request = &contracts.RequestContext{
			ExternalNetwork:    req.Context.ExternalNetwork,
			WritesFiles:        req.Context.WritesFiles,
			ElevatedPrivileges: req.Context.ElevatedPrivileges,
			PackageManager:     req.Context.PackageManager,
			Targets:            req.Context.Targets,
		}
	}
	if req.Provenance != nil {
		ctx.Provenance = &contracts.Provenance{
			Source:       req.Provenance.Source,
			Publisher:    req.Provenance.Publisher,
			ArtifactHash: req.Provenance.ArtifactHash,
		}
	}
	return ctx
}
