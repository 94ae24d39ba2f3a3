package replica

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Auxiliary cache files kept next to the stores for offline use
const (
	ModulesFile       = "cached_modules"
	PasswdFile        = "cached_passwd"
	HardwareAuditFile = "cached_opsihwaudit.json"

	// CredentialsUser is the account whose credentials are cached for
	// offline access to the depot share
	CredentialsUser = "pcpatch"
)

// refreshAuxCaches rewrites the auxiliary caches. Failures only cost
// offline features and are logged.
func (s *Store) refreshAuxCaches(ctx context.Context, clientID string) {
	if modules, err := s.master.BackendModules(ctx); err != nil {
		s.logger.Warn("cache backend modules", "err", err)
	} else if err := writeJSON(filepath.Join(s.dir, ModulesFile), modules, 0644); err != nil {
		s.logger.Warn("write modules cache", "err", err)
	}

	if creds, err := s.master.UserCredentials(ctx, CredentialsUser, clientID); err != nil {
		s.logger.Warn("cache credentials", "err", err)
	} else if err := writeJSON(filepath.Join(s.dir, PasswdFile), creds, 0600); err != nil {
		s.logger.Warn("write credentials cache", "err", err)
	}

	if audit, err := s.master.HardwareAudit(ctx, clientID); err != nil {
		s.logger.Warn("cache hardware audit", "err", err)
	} else if err := writeJSON(filepath.Join(s.dir, HardwareAuditFile), audit, 0644); err != nil {
		s.logger.Warn("write hardware audit cache", "err", err)
	}
}

// ReadAuxCache decodes one of the auxiliary cache files into v
func (s *Store) ReadAuxCache(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

// writeJSON writes v atomically via temp file and rename
func writeJSON(path string, v any, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".aux-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
