package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nexusmcp/orchestrator/pkg/models"
)

// MemoryAgentStore provides an in-memory AgentStore.
type MemoryAgentStore struct {
	mu     sync.RWMutex
	agents map[string]*models.Agent
}

// NewMemoryAgentStore creates an in-memory agent store.
func NewMemoryAgentStore() *MemoryAgentStore {
	return &MemoryAgentStore{agents: make(map[string]*models.Agent)}
}

func (s *MemoryAgentStore) Create(ctx context.Context, agent *models.Agent) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("agent is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[agent.ID]; exists {
		return ErrAlreadyExists
	}
	s.agents[agent.ID] = agent
	return nil
}

func (s *MemoryAgentStore) Get(ctx context.Context, id string) (*models.Agent, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return agent, nil
}

func (s *MemoryAgentStore) List(ctx context.Context, userID string, limit, offset int) ([]*models.Agent, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agents := make([]*models.Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		if userID != "" && agent.UserID != userID {
			continue
		}
		agents = append(agents, agent)
	}
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].CreatedAt.After(agents[j].CreatedAt)
	})
	return paginate(agents, limit, offset), len(agents), nil
}

func (s *MemoryAgentStore) Update(ctx context.Context, agent *models.Agent) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("agent is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[agent.ID]; !exists {
		return ErrNotFound
	}
	s.agents[agent.ID] = agent
	return nil
}

func (s *MemoryAgentStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[id]; !exists {
		return ErrNotFound
	}
	delete(s.agents, id)
	return nil
}

// paginate is a small generic helper shared by the list-oriented stores
// below; limit<=0 means unbounded.
func paginate[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset > len(items) {
		offset = len(items)
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}

// MemoryChatStore provides an in-memory ChatStore.
type MemoryChatStore struct {
	mu    sync.RWMutex
	chats map[string]*models.Chat
	// msgCount is populated by the paired MemoryMessageStore so
	// ListEmptyStale can find chats with no messages without a cross-store
	// join; incremented via noteMessage below and dropped by Delete.
	msgCount map[string]int
}

// NewMemoryChatStore creates an in-memory chat store.
func NewMemoryChatStore() *MemoryChatStore {
	return &MemoryChatStore{
		chats:    make(map[string]*models.Chat),
		msgCount: make(map[string]int),
	}
}

func (s *MemoryChatStore) Create(ctx context.Context, chat *models.Chat) error {
	if chat == nil || chat.ID == "" {
		return fmt.Errorf("chat is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.chats[chat.ID]; exists {
		return ErrAlreadyExists
	}
	s.chats[chat.ID] = chat
	return nil
}

func (s *MemoryChatStore) Get(ctx context.Context, id string) (*models.Chat, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	chat, ok := s.chats[id]
	if !ok {
		return nil, ErrNotFound
	}
	return chat, nil
}

func (s *MemoryChatStore) List(ctx context.Context, userID string, limit, offset int) ([]*models.Chat, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chats := make([]*models.Chat, 0, len(s.chats))
	for _, c := range s.chats {
		if userID != "" && c.UserID != userID {
			continue
		}
		chats = append(chats, c)
	}
	sort.Slice(chats, func(i, j int) bool { return chats[i].UpdatedAt.After(chats[j].UpdatedAt) })
	return paginate(chats, limit, offset), len(chats), nil
}

func (s *MemoryChatStore) Update(ctx context.Context, chat *models.Chat) error {
	if chat == nil || chat.ID == "" {
		return fmt.Errorf("chat is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.chats[chat.ID]; !exists {
		return ErrNotFound
	}
	s.chats[chat.ID] = chat
	return nil
}

func (s *MemoryChatStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.chats[id]; !exists {
		return ErrNotFound
	}
	delete(s.chats, id)
	delete(s.msgCount, id)
	return nil
}

func (s *MemoryChatStore) SetGenerating(ctx context.Context, id string, generating bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[id]
	if !ok {
		return false, ErrNotFound
	}
	prior := chat.IsGenerating
	chat.IsGenerating = generating
	chat.UpdatedAt = time.Now()
	return prior, nil
}

func (s *MemoryChatStore) ListEmptyStale(ctx context.Context, olderThan time.Duration) ([]*models.Chat, error) {
	cutoff := time.Now().Add(-olderThan)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Chat
	for id, c := range s.chats {
		if s.msgCount[id] > 0 {
			continue
		}
		if c.CreatedAt.Before(cutoff) {
			out = append(out, c)
		}
	}
	return out, nil
}

// noteMessage records that chatID gained a message, for ListEmptyStale.
func (s *MemoryChatStore) noteMessage(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgCount[chatID]++
}

// MemoryMessageStore provides an in-memory MessageStore. It is paired with
// a MemoryChatStore so chat emptiness can be tracked for GC.
type MemoryMessageStore struct {
	mu       sync.RWMutex
	byChat   map[string][]*models.Message
	chats    *MemoryChatStore
}

// NewMemoryMessageStore creates an in-memory message store that reports
// appended messages to chats for GC bookkeeping.
func NewMemoryMessageStore(chats *MemoryChatStore) *MemoryMessageStore {
	return &MemoryMessageStore{byChat: make(map[string][]*models.Message), chats: chats}
}

func (s *MemoryMessageStore) Append(ctx context.Context, msg *models.Message) error {
	if msg == nil || msg.ID == "" || msg.ChatID == "" {
		return fmt.Errorf("message is required")
	}
	s.mu.Lock()
	s.byChat[msg.ChatID] = append(s.byChat[msg.ChatID], msg)
	s.mu.Unlock()
	if s.chats != nil {
		s.chats.noteMessage(msg.ChatID)
	}
	return nil
}

func (s *MemoryMessageStore) List(ctx context.Context, chatID string, limit int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.byChat[chatID]
	if limit <= 0 || limit >= len(all) {
		out := make([]*models.Message, len(all))
		copy(out, all)
		return out, nil
	}
	start := len(all) - limit
	out := make([]*models.Message, limit)
	copy(out, all[start:])
	return out, nil
}

func (s *MemoryMessageStore) Count(ctx context.Context, chatID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byChat[chatID]), nil
}

// MemoryMCPServerStore provides an in-memory MCPServerStore.
type MemoryMCPServerStore struct {
	mu      sync.RWMutex
	servers map[string]*models.MCPServer
}

// NewMemoryMCPServerStore creates an in-memory MCP server store.
func NewMemoryMCPServerStore() *MemoryMCPServerStore {
	return &MemoryMCPServerStore{servers: make(map[string]*models.MCPServer)}
}

func (s *MemoryMCPServerStore) Create(ctx context.Context, server *models.MCPServer) error {
	if server == nil || server.ID == "" {
		return fmt.Errorf("server is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.servers[server.ID]; exists {
		return ErrAlreadyExists
	}
	s.servers[server.ID] = server
	return nil
}

func (s *MemoryMCPServerStore) Get(ctx context.Context, id string) (*models.MCPServer, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	server, ok := s.servers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return server, nil
}

func (s *MemoryMCPServerStore) List(ctx context.Context, userID string) ([]*models.MCPServer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.MCPServer, 0, len(s.servers))
	for _, srv := range s.servers {
		if srv.IsSystem || srv.UserID == userID {
			out = append(out, srv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryMCPServerStore) Update(ctx context.Context, server *models.MCPServer) error {
	if server == nil || server.ID == "" {
		return fmt.Errorf("server is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.servers[server.ID]; !exists {
		return ErrNotFound
	}
	s.servers[server.ID] = server
	return nil
}

func (s *MemoryMCPServerStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.servers[id]; !exists {
		return ErrNotFound
	}
	delete(s.servers, id)
	return nil
}

// MemoryToolStore provides an in-memory ToolStore keyed by server then name.
type MemoryToolStore struct {
	mu    sync.RWMutex
	tools map[string]map[string]*models.Tool
}

// NewMemoryToolStore creates an in-memory tool store.
func NewMemoryToolStore() *MemoryToolStore {
	return &MemoryToolStore{tools: make(map[string]map[string]*models.Tool)}
}

func (s *MemoryToolStore) ReplaceForServer(ctx context.Context, serverID string, tools []*models.Tool) error {
	if serverID == "" {
		return fmt.Errorf("serverID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byName := make(map[string]*models.Tool, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
	}
	s.tools[serverID] = byName
	return nil
}

func (s *MemoryToolStore) ListForServer(ctx context.Context, serverID string) ([]*models.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byName := s.tools[serverID]
	out := make([]*models.Tool, 0, len(byName))
	for _, t := range byName {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryToolStore) Get(ctx context.Context, serverID, name string) (*models.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byName, ok := s.tools[serverID]
	if !ok {
		return nil, ErrNotFound
	}
	tool, ok := byName[name]
	if !ok {
		return nil, ErrNotFound
	}
	return tool, nil
}

func (s *MemoryToolStore) SetEnabled(ctx context.Context, serverID, name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byName, ok := s.tools[serverID]
	if !ok {
		return ErrNotFound
	}
	tool, ok := byName[name]
	if !ok {
		return ErrNotFound
	}
	tool.Enabled = enabled
	return nil
}

// MemoryResourceStore provides an in-memory ResourceStore.
type MemoryResourceStore struct {
	mu        sync.RWMutex
	resources map[string]*models.Resource
}

// NewMemoryResourceStore creates an in-memory resource store.
func NewMemoryResourceStore() *MemoryResourceStore {
	return &MemoryResourceStore{resources: make(map[string]*models.Resource)}
}

func (s *MemoryResourceStore) Create(ctx context.Context, resource *models.Resource) error {
	if resource == nil || resource.ID == "" {
		return fmt.Errorf("resource is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.resources[resource.ID]; exists {
		return ErrAlreadyExists
	}
	s.resources[resource.ID] = resource
	return nil
}

func (s *MemoryResourceStore) Get(ctx context.Context, id string) (*models.Resource, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resources[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

func (s *MemoryResourceStore) List(ctx context.Context, userID string) ([]*models.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Resource, 0, len(s.resources))
	for _, r := range s.resources {
		if userID == "" || r.UserID == userID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryResourceStore) Update(ctx context.Context, resource *models.Resource) error {
	if resource == nil || resource.ID == "" {
		return fmt.Errorf("resource is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.resources[resource.ID]; !exists {
		return ErrNotFound
	}
	s.resources[resource.ID] = resource
	return nil
}

func (s *MemoryResourceStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.resources[id]; !exists {
		return ErrNotFound
	}
	delete(s.resources, id)
	return nil
}

// MemoryValidationStore provides an in-memory ValidationStore.
type MemoryValidationStore struct {
	mu          sync.RWMutex
	validations map[string]*models.Validation
}

// NewMemoryValidationStore creates an in-memory validation store.
func NewMemoryValidationStore() *MemoryValidationStore {
	return &MemoryValidationStore{validations: make(map[string]*models.Validation)}
}

func (s *MemoryValidationStore) Create(ctx context.Context, v *models.Validation) error {
	if v == nil || v.ID == "" {
		return fmt.Errorf("validation is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.validations[v.ID]; exists {
		return ErrAlreadyExists
	}
	s.validations[v.ID] = v
	return nil
}

func (s *MemoryValidationStore) Get(ctx context.Context, id string) (*models.Validation, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.validations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (s *MemoryValidationStore) Update(ctx context.Context, v *models.Validation) error {
	if v == nil || v.ID == "" {
		return fmt.Errorf("validation is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.validations[v.ID]; !exists {
		return ErrNotFound
	}
	s.validations[v.ID] = v
	return nil
}

func (s *MemoryValidationStore) ListPendingExpired(ctx context.Context, now time.Time) ([]*models.Validation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Validation
	for _, v := range s.validations {
		if v.Status == models.ValidationPending && now.After(v.ExpiresAt) {
			out = append(out, v)
		}
	}
	return out, nil
}

// MemoryAutomationStore provides an in-memory AutomationStore.
type MemoryAutomationStore struct {
	mu          sync.RWMutex
	automations map[string]*models.Automation
}

// NewMemoryAutomationStore creates an in-memory automation store.
func NewMemoryAutomationStore() *MemoryAutomationStore {
	return &MemoryAutomationStore{automations: make(map[string]*models.Automation)}
}

func (s *MemoryAutomationStore) Create(ctx context.Context, a *models.Automation) error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("automation is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.automations[a.ID]; exists {
		return ErrAlreadyExists
	}
	s.automations[a.ID] = a
	return nil
}

func (s *MemoryAutomationStore) Get(ctx context.Context, id string) (*models.Automation, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.automations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a, nil
}

func (s *MemoryAutomationStore) List(ctx context.Context, userID string) ([]*models.Automation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Automation, 0, len(s.automations))
	for _, a := range s.automations {
		if userID == "" || a.UserID == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryAutomationStore) Update(ctx context.Context, a *models.Automation) error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("automation is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.automations[a.ID]; !exists {
		return ErrNotFound
	}
	s.automations[a.ID] = a
	return nil
}

func (s *MemoryAutomationStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.automations[id]; !exists {
		return ErrNotFound
	}
	delete(s.automations, id)
	return nil
}

// MemoryExecutionStore provides an in-memory ExecutionStore.
type MemoryExecutionStore struct {
	mu         sync.RWMutex
	executions map[string]*models.Execution
	byAuto     map[string][]string
}

// NewMemoryExecutionStore creates an in-memory execution store.
func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{
		executions: make(map[string]*models.Execution),
		byAuto:     make(map[string][]string),
	}
}

func (s *MemoryExecutionStore) Create(ctx context.Context, e *models.Execution) error {
	if e == nil || e.ID == "" {
		return fmt.Errorf("execution is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[e.ID] = e
	s.byAuto[e.AutomationID] = append(s.byAuto[e.AutomationID], e.ID)
	return nil
}

func (s *MemoryExecutionStore) Update(ctx context.Context, e *models.Execution) error {
	if e == nil || e.ID == "" {
		return fmt.Errorf("execution is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[e.ID]; !exists {
		return ErrNotFound
	}
	s.executions[e.ID] = e
	return nil
}

func (s *MemoryExecutionStore) ListForAutomation(ctx context.Context, automationID string, limit int) ([]*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byAuto[automationID]
	out := make([]*models.Execution, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.executions[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// NewMemoryStores constructs a StoreSet backed by memory.
func NewMemoryStores() StoreSet {
	chats := NewMemoryChatStore()
	return StoreSet{
		Chats:         chats,
		Messages:      NewMemoryMessageStore(chats),
		Agents:        NewMemoryAgentStore(),
		MCPServers:    NewMemoryMCPServerStore(),
		Tools:         NewMemoryToolStore(),
		Resources:     NewMemoryResourceStore(),
		Validations:   NewMemoryValidationStore(),
		Automations:   NewMemoryAutomationStore(),
		Executions:    NewMemoryExecutionStore(),
		OAuthSessions: NewMemoryOAuthSessionStore(),
		OAuthTokens:   NewMemoryOAuthTokenStore(),
	}
}

// MemoryOAuthSessionStore provides an in-memory OAuthSessionStore.
type MemoryOAuthSessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.OAuthSession
}

// NewMemoryOAuthSessionStore creates an in-memory OAuth session store.
func NewMemoryOAuthSessionStore() *MemoryOAuthSessionStore {
	return &MemoryOAuthSessionStore{sessions: make(map[string]*models.OAuthSession)}
}

func (s *MemoryOAuthSessionStore) Create(ctx context.Context, sess *models.OAuthSession) error {
	if sess == nil || sess.State == "" {
		return fmt.Errorf("oauth session state is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.State]; exists {
		return ErrAlreadyExists
	}
	s.sessions[sess.State] = sess
	return nil
}

func (s *MemoryOAuthSessionStore) GetByState(ctx context.Context, state string) (*models.OAuthSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[state]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

func (s *MemoryOAuthSessionStore) Delete(ctx context.Context, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, state)
	return nil
}

// MemoryOAuthTokenStore provides an in-memory OAuthTokenStore, one entry
// per MCP server id.
type MemoryOAuthTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]*models.OAuthTokens
}

// NewMemoryOAuthTokenStore creates an in-memory OAuth token store.
func NewMemoryOAuthTokenStore() *MemoryOAuthTokenStore {
	return &MemoryOAuthTokenStore{tokens: make(map[string]*models.OAuthTokens)}
}

func (s *MemoryOAuthTokenStore) Put(ctx context.Context, t *models.OAuthTokens) error {
	if t == nil || t.ServerID == "" {
		return fmt.Errorf("oauth tokens server id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[t.ServerID] = t
	return nil
}

func (s *MemoryOAuthTokenStore) Get(ctx context.Context, serverID string) (*models.OAuthTokens, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[serverID]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

func (s *MemoryOAuthTokenStore) Delete(ctx context.Context, serverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, serverID)
	return nil
}
