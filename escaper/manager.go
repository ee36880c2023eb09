package escaper

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sagernet/sing-egress/adapter"
	"github.com/sagernet/sing-egress/common/taskmonitor"
	C "github.com/sagernet/sing-egress/constant"
	"github.com/sagernet/sing-egress/log"

	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"
)

var _ adapter.EscaperManager = (*Manager)(nil)

type Manager struct {
	logger                 log.ContextLogger
	registry               adapter.EscaperRegistry
	defaultTag             string
	access                 sync.RWMutex
	started                bool
	stage                  adapter.StartStage
	escapers               []adapter.Escaper
	escaperByTag           map[string]adapter.Escaper
	dependByTag            map[string][]string
	defaultEscaper         adapter.Escaper
	defaultEscaperFallback func() (adapter.Escaper, error)
}

func NewManager(logger log.ContextLogger, registry adapter.EscaperRegistry, defaultTag string) *Manager {
	return &Manager{
		logger:       logger,
		registry:     registry,
		defaultTag:   defaultTag,
		escaperByTag: make(map[string]adapter.Escaper),
		dependByTag:  make(map[string][]string),
	}
}

func (m *Manager) Initialize(defaultEscaperFallback func() (adapter.Escaper, error)) {
	m.defaultEscaperFallback = defaultEscaperFallback
}

func (m *Manager) Start(stage adapter.StartStage) error {
	m.access.Lock()
	if m.started && m.stage >= stage {
		panic("already started")
	}
	m.started = true
	m.stage = stage
	if stage == adapter.StartStateStart {
		if m.defaultTag != "" && m.defaultEscaper == nil {
			m.access.Unlock()
			return E.New("default escaper not found: ", m.defaultTag)
		}
		if m.defaultEscaper == nil {
			directEscaper, err := m.defaultEscaperFallback()
			if err != nil {
				m.access.Unlock()
				return E.Cause(err, "create direct escaper for fallback")
			}
			m.escapers = append(m.escapers, directEscaper)
			m.escaperByTag[directEscaper.Tag()] = directEscaper
			m.defaultEscaper = directEscaper
		}
		escapers := m.escapers
		m.access.Unlock()
		return m.startEscapers(escapers)
	}
	escapers := m.escapers
	m.access.Unlock()
	for _, escaper := range escapers {
		if lifecycle, isLifecycle := escaper.(adapter.Lifecycle); isLifecycle {
			err := lifecycle.Start(stage)
			if err != nil {
				return E.Cause(err, stage.Action(), " escaper/", escaper.Type(), "[", escaper.Tag(), "]")
			}
		}
	}
	return nil
}

func (m *Manager) startEscapers(escapers []adapter.Escaper) error {
	monitor := taskmonitor.New(m.logger, C.StartTimeout)
	started := make(map[string]bool)
	for {
		canContinue := false
	startOne:
		for _, escaperToStart := range escapers {
			escaperTag := escaperToStart.Tag()
			if started[escaperTag] {
				continue
			}
			dependencies := escaperToStart.Dependencies()
			for _, dependency := range dependencies {
				if !started[dependency] {
					continue startOne
				}
			}
			started[escaperTag] = true
			canContinue = true
			if starter, isStarter := escaperToStart.(adapter.Lifecycle); isStarter {
				monitor.Start("start escaper/", escaperToStart.Type(), "[", escaperTag, "]")
				err := starter.Start(adapter.StartStateStart)
				monitor.Finish()
				if err != nil {
					return E.Cause(err, "start escaper/", escaperToStart.Type(), "[", escaperTag, "]")
				}
			} else if starter, isStarter := escaperToStart.(interface {
				Start() error
			}); isStarter {
				monitor.Start("start escaper/", escaperToStart.Type(), "[", escaperTag, "]")
				err := starter.Start()
				monitor.Finish()
				if err != nil {
					return E.Cause(err, "start escaper/", escaperToStart.Type(), "[", escaperTag, "]")
				}
			}
		}
		if len(started) == len(escapers) {
			break
		}
		if canContinue {
			continue
		}
		currentEscaper := common.Find(escapers, func(it adapter.Escaper) bool {
			return !started[it.Tag()]
		})
		var lintEscaper func(eTree []string, eCurrent adapter.Escaper) error
		lintEscaper = func(eTree []string, eCurrent adapter.Escaper) error {
			problemEscaperTag := common.Find(eCurrent.Dependencies(), func(it string) bool {
				return !started[it]
			})
			if common.Contains(eTree, problemEscaperTag) {
				return E.New("circular escaper dependency: ", strings.Join(eTree, " -> "), " -> ", problemEscaperTag)
			}
			m.access.Lock()
			problemEscaper := m.escaperByTag[problemEscaperTag]
			m.access.Unlock()
			if problemEscaper == nil {
				return E.New("dependency[", problemEscaperTag, "] not found for escaper[", eCurrent.Tag(), "]")
			}
			return lintEscaper(append(eTree, problemEscaperTag), problemEscaper)
		}
		return lintEscaper([]string{currentEscaper.Tag()}, currentEscaper)
	}
	return nil
}

func (m *Manager) Close() error {
	monitor := taskmonitor.New(m.logger, C.StopTimeout)
	m.access.Lock()
	if !m.started {
		m.access.Unlock()
		return nil
	}
	m.started = false
	escapers := m.escapers
	m.escapers = nil
	m.access.Unlock()
	var err error
	for _, escaper := range escapers {
		if closer, isCloser := escaper.(io.Closer); isCloser {
			monitor.Start("close escaper/", escaper.Type(), "[", escaper.Tag(), "]")
			err = E.Append(err, closer.Close(), func(err error) error {
				return E.Cause(err, "close escaper/", escaper.Type(), "[", escaper.Tag(), "]")
			})
			monitor.Finish()
		}
	}
	return err
}

func (m *Manager) Escapers() []adapter.Escaper {
	m.access.RLock()
	defer m.access.RUnlock()
	return m.escapers
}

func (m *Manager) Escaper(tag string) (adapter.Escaper, bool) {
	m.access.RLock()
	defer m.access.RUnlock()
	escaper, found := m.escaperByTag[tag]
	return escaper, found
}

func (m *Manager) Default() adapter.Escaper {
	m.access.RLock()
	defer m.access.RUnlock()
	return m.defaultEscaper
}

func (m *Manager) Remove(tag string) error {
	m.access.Lock()
	defer m.access.Unlock()
	escaper, found := m.escaperByTag[tag]
	if !found {
		return os.ErrInvalid
	}
	dependBy := m.dependByTag[tag]
	if len(dependBy) > 0 {
		return E.New("escaper[", tag, "] is depended by ", strings.Join(dependBy, ", "))
	}
	delete(m.escaperByTag, tag)
	index := common.Index(m.escapers, func(it adapter.Escaper) bool {
		return it == escaper
	})
	if index == -1 {
		panic("invalid escaper index")
	}
	m.escapers = append(m.escapers[:index], m.escapers[index+1:]...)
	started := m.started
	if m.defaultEscaper == escaper {
		if len(m.escapers) > 0 {
			m.defaultEscaper = m.escapers[0]
			m.logger.Info("updated default escaper to ", m.defaultEscaper.Tag())
		} else {
			m.defaultEscaper = nil
		}
	}
	dependencies := escaper.Dependencies()
	for _, dependency := range dependencies {
		if len(m.dependByTag[dependency]) == 1 {
			delete(m.dependByTag, dependency)
		} else {
			m.dependByTag[dependency] = common.Filter(m.dependByTag[dependency], func(it string) bool {
				return it != tag
			})
		}
	}
	if started {
		return common.Close(escaper)
	}
	return nil
}

func (m *Manager) Create(ctx context.Context, logger log.ContextLogger, tag string, escaperType string, options any) error {
	if tag == "" {
		return os.ErrInvalid
	}
	escaper, err := m.registry.CreateEscaper(ctx, m, logger, tag, escaperType, options)
	if err != nil {
		return err
	}
	if m.started {
		for _, stage := range adapter.ListStartStages {
			if lifecycle, isLifecycle := escaper.(adapter.Lifecycle); isLifecycle {
				err = lifecycle.Start(stage)
				if err != nil {
					return E.Cause(err, stage.Action(), " escaper/", escaper.Type(), "[", escaper.Tag(), "]")
				}
			}
		}
	}
	m.access.Lock()
	defer m.access.Unlock()
	if existsEscaper, loaded := m.escaperByTag[tag]; loaded {
		if m.started {
			err = common.Close(existsEscaper)
			if err != nil {
				return E.Cause(err, "close escaper/", existsEscaper.Type(), "[", existsEscaper.Tag(), "]")
			}
		}
		existsIndex := common.Index(m.escapers, func(it adapter.Escaper) bool {
			return it == existsEscaper
		})
		if existsIndex == -1 {
			panic("invalid escaper index")
		}
		m.escapers = append(m.escapers[:existsIndex], m.escapers[existsIndex+1:]...)
	}
	m.escapers = append(m.escapers, escaper)
	m.escaperByTag[tag] = escaper
	dependencies := escaper.Dependencies()
	for _, dependency := range dependencies {
		m.dependByTag[dependency] = append(m.dependByTag[dependency], tag)
	}
	if tag == m.defaultTag || (m.defaultTag == "" && m.defaultEscaper == nil) {
		m.defaultEscaper = escaper
		if m.started {
			m.logger.Info("updated default escaper to ", escaper.Tag())
		}
	}
	return nil
}
