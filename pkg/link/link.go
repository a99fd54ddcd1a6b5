/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

// Package link maps users to their connected socket sessions so the
// supervisor can target notifications. The mapping is not persisted: a
// restarted host forces clients to reconnect and resume.
package link

import "sync"

// Link tracks active sessions and the uid -> sessions binding.
type Link struct {
	mu           sync.RWMutex
	userSessions map[string]map[string]struct{}
	sessions     map[string]struct{}
}

// New returns an empty Link.
func New() *Link {
	return &Link{
		userSessions: map[string]map[string]struct{}{},
		sessions:     map[string]struct{}{},
	}
}

// RegisterSession marks sid active.
func (l *Link) RegisterSession(sid string) {
	l.mu.Lock()
	l.sessions[sid] = struct{}{}
	l.mu.Unlock()
}

// UnregisterSession drops sid and every user binding referencing it.
func (l *Link) UnregisterSession(sid string) {
	l.mu.Lock()
	delete(l.sessions, sid)
	for uid, sids := range l.userSessions {
		delete(sids, sid)
		if len(sids) == 0 {
			delete(l.userSessions, uid)
		}
	}
	l.mu.Unlock()
}

// RegisterUserSession binds sid to uid.
func (l *Link) RegisterUserSession(uid, sid string) {
	l.mu.Lock()
	sids := l.userSessions[uid]
	if sids == nil {
		sids = map[string]struct{}{}
		l.userSessions[uid] = sids
	}
	sids[sid] = struct{}{}
	l.mu.Unlock()
}

// UnregisterUserSession removes the uid -> sid binding.
func (l *Link) UnregisterUserSession(uid, sid string) {
	l.mu.Lock()
	if sids := l.userSessions[uid]; sids != nil {
		delete(sids, sid)
		if len(sids) == 0 {
			delete(l.userSessions, uid)
		}
	}
	l.mu.Unlock()
}

// UserSessions returns the sessions bound to uid.
func (l *Link) UserSessions(uid string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sids := make([]string, 0, len(l.userSessions[uid]))
	for sid := range l.userSessions[uid] {
		sids = append(sids, sid)
	}
	return sids
}

// IsActive reports whether sid is a connected session.
func (l *Link) IsActive(sid string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.sessions[sid]
	return ok
}
