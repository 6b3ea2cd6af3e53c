package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"voice-bridge/backend/internal/state"
	"voice-bridge/backend/pkg/errors"
)

// Repository handles all Neo4j database operations.
//
// Graph model:
//
//	(:PhoneNumber {e164})-[:ROUTES_TO]->(:Tenant {id, name, engine_agent_id, voice_preset, greeting, language, system_prompt})
//	(:Call {call_sid, id, transcript, segments, rag_telemetry, ...})-[:FOR_TENANT]->(:Tenant)
//	(:VoicePreset {name, voice, speed})
type Repository struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewRepository creates a new graph repository
func NewRepository(driver neo4j.DriverWithContext, logger *zap.Logger) *Repository {
	return &Repository{
		driver: driver,
		logger: logger.Named("graph"),
	}
}

// Close closes the Neo4j driver connection
func (r *Repository) Close(ctx context.Context) error {
	return r.driver.Close(ctx)
}

// EnsureSchema creates the uniqueness constraints the lookups rely on
func (r *Repository) EnsureSchema(ctx context.Context) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	statements := []string{
		"CREATE CONSTRAINT tenant_id IF NOT EXISTS FOR (t:Tenant) REQUIRE t.id IS UNIQUE",
		"CREATE CONSTRAINT phone_e164 IF NOT EXISTS FOR (p:PhoneNumber) REQUIRE p.e164 IS UNIQUE",
		"CREATE CONSTRAINT call_sid IF NOT EXISTS FOR (c:Call) REQUIRE c.call_sid IS UNIQUE",
		"CREATE CONSTRAINT voice_preset IF NOT EXISTS FOR (v:VoicePreset) REQUIRE v.name IS UNIQUE",
	}
	for _, stmt := range statements {
		result, err := session.Run(ctx, stmt, nil)
		if err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
		if _, err := result.Consume(ctx); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// ResolveTenant finds the tenant of a call: first from an existing call
// record, then from the dialed number.
func (r *Repository) ResolveTenant(ctx context.Context, callID, dialedNumber string) (string, error) {
	number := normalizeNumber(dialedNumber)

	var source string
	res, err := r.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if callID != "" {
			tenantID, err := singleString(ctx, tx, `
				MATCH (c:Call {call_sid: $callID})-[:FOR_TENANT]->(t:Tenant)
				RETURN t.id as tenant_id
				LIMIT 1
			`, map[string]interface{}{"callID": callID}, "tenant_id")
			if err != nil || tenantID != "" {
				source = "call record"
				return tenantID, err
			}
		}
		if number == "" {
			return "", nil
		}
		source = "dialed number"
		return singleString(ctx, tx, `
			MATCH (p:PhoneNumber {e164: $number})-[:ROUTES_TO]->(t:Tenant)
			RETURN t.id as tenant_id
			LIMIT 1
		`, map[string]interface{}{"number": number}, "tenant_id")
	})
	if err != nil {
		return "", fmt.Errorf("failed to resolve tenant: %w", err)
	}

	tenantID := res.(string)
	if tenantID == "" {
		return "", errors.ErrNotFound
	}
	r.logger.Debug("Tenant resolved",
		zap.String("call_sid", callID),
		zap.String("source", source),
		zap.String("number", number),
		zap.String("tenant_id", tenantID))
	return tenantID, nil
}

// GetEngineAgentID returns the speech-engine agent of a tenant
func (r *Repository) GetEngineAgentID(ctx context.Context, tenantID string) (string, error) {
	res, err := r.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return singleString(ctx, tx, `
			MATCH (t:Tenant {id: $tenantID})
			WHERE t.engine_agent_id IS NOT NULL AND t.engine_agent_id <> ''
			RETURN t.engine_agent_id as agent_id
		`, map[string]interface{}{"tenantID": tenantID}, "agent_id")
	})
	if err != nil {
		return "", fmt.Errorf("failed to load engine agent: %w", err)
	}
	if res.(string) == "" {
		return "", errors.ErrNotFound
	}
	return res.(string), nil
}

// GetTenantProfile loads the voice configuration of a tenant
func (r *Repository) GetTenantProfile(ctx context.Context, tenantID string) (*TenantProfile, error) {
	record, err := r.readRecord(ctx, `
		MATCH (t:Tenant {id: $tenantID})
		RETURN
			t.id as id,
			t.name as name,
			t.engine_agent_id as engine_agent_id,
			t.voice_preset as voice_preset,
			t.greeting as greeting,
			t.language as language,
			t.system_prompt as system_prompt
	`, map[string]interface{}{"tenantID": tenantID})
	if err != nil {
		return nil, err
	}

	return &TenantProfile{
		ID:            getStringFromRecord(record, "id"),
		Name:          getStringFromRecord(record, "name"),
		EngineAgentID: getStringFromRecord(record, "engine_agent_id"),
		VoicePreset:   getStringFromRecord(record, "voice_preset"),
		Greeting:      getStringFromRecord(record, "greeting"),
		Language:      getStringFromRecord(record, "language"),
		SystemPrompt:  getStringFromRecord(record, "system_prompt"),
	}, nil
}

// GetVoicePreset resolves a preset name to a provider voice
func (r *Repository) GetVoicePreset(ctx context.Context, name string) (*VoicePreset, error) {
	record, err := r.readRecord(ctx, `
		MATCH (v:VoicePreset {name: $name})
		RETURN v.name as name, v.voice as voice, v.speed as speed
	`, map[string]interface{}{"name": name})
	if err != nil {
		return nil, err
	}

	speed := getFloat64FromRecord(record, "speed")
	if speed == 0 {
		speed = 1.0
	}
	return &VoicePreset{
		Name:  getStringFromRecord(record, "name"),
		Voice: getStringFromRecord(record, "voice"),
		Speed: speed,
	}, nil
}

// UpsertTenant creates or updates a tenant and routes the given numbers to it
func (r *Repository) UpsertTenant(ctx context.Context, profile TenantProfile, numbers []string) error {
	if profile.ID == "" {
		return fmt.Errorf("tenant id is required")
	}

	normalized := make([]string, 0, len(numbers))
	for _, n := range numbers {
		if n = normalizeNumber(n); n != "" {
			normalized = append(normalized, n)
		}
	}

	err := r.write(ctx, `
		MERGE (t:Tenant {id: $id})
		SET t.name = $name,
		    t.engine_agent_id = $agentID,
		    t.voice_preset = $voicePreset,
		    t.greeting = $greeting,
		    t.language = $language,
		    t.system_prompt = $systemPrompt
		WITH t
		UNWIND $numbers AS number
		MERGE (p:PhoneNumber {e164: number})
		WITH t, p
		OPTIONAL MATCH (p)-[old:ROUTES_TO]->(:Tenant)
		DELETE old
		MERGE (p)-[:ROUTES_TO]->(t)
	`, map[string]interface{}{
		"id":           profile.ID,
		"name":         profile.Name,
		"agentID":      profile.EngineAgentID,
		"voicePreset":  profile.VoicePreset,
		"greeting":     profile.Greeting,
		"language":     profile.Language,
		"systemPrompt": profile.SystemPrompt,
		"numbers":      normalized,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert tenant: %w", err)
	}
	return nil
}

// UpsertVoicePreset creates or updates a voice preset
func (r *Repository) UpsertVoicePreset(ctx context.Context, preset VoicePreset) error {
	err := r.write(ctx, `
		MERGE (v:VoicePreset {name: $name})
		SET v.voice = $voice, v.speed = $speed
	`, map[string]interface{}{
		"name":  preset.Name,
		"voice": preset.Voice,
		"speed": preset.Speed,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert voice preset: %w", err)
	}
	return nil
}

// RecordCallStart links a call to its tenant so later lookups for the same
// call id resolve without the dialed number
func (r *Repository) RecordCallStart(ctx context.Context, identity state.CallIdentity, dialedNumber string) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	linked, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			MATCH (t:Tenant {id: $tenantID})
			MERGE (c:Call {call_sid: $callID})
			ON CREATE SET c.id = $id, c.started_at = datetime()
			SET c.dialed_number = $dialedNumber,
			    c.engine_agent_id = $agentID
			MERGE (c)-[:FOR_TENANT]->(t)
			RETURN c.id as id
		`, map[string]interface{}{
			"tenantID":     identity.TenantID,
			"callID":       identity.CallID,
			"id":           uuid.New().String(),
			"dialedNumber": normalizeNumber(dialedNumber),
			"agentID":      identity.AgentID,
		})
		if err != nil {
			return false, err
		}
		found := result.Next(ctx)
		return found, result.Err()
	})
	if err != nil {
		return fmt.Errorf("failed to record call start: %w", err)
	}
	if !linked.(bool) {
		return errors.ErrNotFound
	}
	return nil
}

// PersistTranscript stores the merged transcript, the raw segments and the
// knowledge-base telemetry on the call node
func (r *Repository) PersistTranscript(ctx context.Context, callID, merged string, segments []state.TranscriptSegment, telemetry state.RagTelemetry) error {
	segmentsJSON, err := encodeSegments(segments)
	if err != nil {
		return err
	}
	telemetryJSON, err := encodeTelemetry(telemetry)
	if err != nil {
		return err
	}

	err = r.write(ctx, `
		MERGE (c:Call {call_sid: $callID})
		ON CREATE SET c.id = $id, c.started_at = datetime()
		SET c.transcript = $transcript,
		    c.segments = $segments,
		    c.segment_count = $segmentCount,
		    c.rag_telemetry = $telemetry,
		    c.rag_total_queries = $ragQueries,
		    c.ended_at = datetime()
	`, map[string]interface{}{
		"callID":       callID,
		"id":           uuid.New().String(),
		"transcript":   merged,
		"segments":     segmentsJSON,
		"segmentCount": len(segments),
		"telemetry":    telemetryJSON,
		"ragQueries":   telemetry.TotalQueries,
	})
	if err != nil {
		return fmt.Errorf("failed to persist transcript: %w", err)
	}

	r.logger.Debug("Transcript persisted",
		zap.String("call_sid", callID),
		zap.Int("segments", len(segments)),
		zap.Int("rag_queries", telemetry.TotalQueries))
	return nil
}

// GetCallRecord loads what was persisted for a call
func (r *Repository) GetCallRecord(ctx context.Context, callID string) (*CallRecord, error) {
	record, err := r.readRecord(ctx, `
		MATCH (c:Call {call_sid: $callID})
		OPTIONAL MATCH (c)-[:FOR_TENANT]->(t:Tenant)
		RETURN
			c.id as id,
			c.call_sid as call_sid,
			t.id as tenant_id,
			c.transcript as transcript,
			c.segment_count as segment_count,
			c.rag_telemetry as rag_telemetry,
			c.started_at as started_at,
			c.ended_at as ended_at
	`, map[string]interface{}{"callID": callID})
	if err != nil {
		return nil, err
	}

	telemetry, err := decodeTelemetry(getStringFromRecord(record, "rag_telemetry"))
	if err != nil {
		r.logger.Warn("Ignoring unreadable telemetry", zap.String("call_sid", callID), zap.Error(err))
	}
	return &CallRecord{
		ID:           getStringFromRecord(record, "id"),
		CallID:       getStringFromRecord(record, "call_sid"),
		TenantID:     getStringFromRecord(record, "tenant_id"),
		Transcript:   getStringFromRecord(record, "transcript"),
		SegmentCount: getIntFromRecord(record, "segment_count"),
		Telemetry:    telemetry,
		StartedAt:    getTimeFromRecord(record, "started_at"),
		EndedAt:      getTimeFromRecord(record, "ended_at"),
	}, nil
}

// read runs work in a managed read transaction; the driver retries
// transient failures
func (r *Repository) read(ctx context.Context, work neo4j.ManagedTransactionWork) (any, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)
	return session.ExecuteRead(ctx, work)
}

// readRecord returns the first row of a read query, or errors.ErrNotFound
func (r *Repository) readRecord(ctx context.Context, query string, params map[string]interface{}) (*neo4j.Record, error) {
	res, err := r.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		if !result.Next(ctx) {
			return (*neo4j.Record)(nil), result.Err()
		}
		return result.Record(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	record, _ := res.(*neo4j.Record)
	if record == nil {
		return nil, errors.ErrNotFound
	}
	return record, nil
}

// write runs one statement in a managed write transaction and drains it
func (r *Repository) write(ctx context.Context, query string, params map[string]interface{}) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	return err
}

// singleString returns one string column of the first row, empty when the
// query matched nothing
func singleString(ctx context.Context, tx neo4j.ManagedTransaction, query string, params map[string]interface{}, key string) (string, error) {
	result, err := tx.Run(ctx, query, params)
	if err != nil {
		return "", err
	}
	if !result.Next(ctx) {
		return "", result.Err()
	}
	return getStringFromRecord(result.Record(), key), nil
}

// normalizeNumber strips formatting from a dialed number, keeping a leading +
func normalizeNumber(number string) string {
	var b strings.Builder
	for i, ch := range strings.TrimSpace(number) {
		switch {
		case ch >= '0' && ch <= '9':
			b.WriteRune(ch)
		case ch == '+' && i == 0:
			b.WriteRune(ch)
		}
	}
	return b.String()
}
