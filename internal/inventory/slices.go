package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cochaviz/slicenet/internal/models"
)

// EnsureSlice records the slice if it is new and touches its update time.
// The switch of an existing slice is kept.
func (s *Store) EnsureSlice(ctx context.Context, id, switchName string) error {
	now := time.Now().UTC()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO slices (id, switch, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		id, switchName, now, now)
	if err != nil {
		return fmt.Errorf("failed to save slice %s: %w", id, err)
	}
	return nil
}

// GetSlice loads a slice with its segments and VMs.
func (s *Store) GetSlice(ctx context.Context, id string) (models.Slice, error) {
	var slice models.Slice
	err := s.DB.QueryRowContext(ctx, `SELECT id, switch, created_at, updated_at FROM slices WHERE id = ?`, id).
		Scan(&slice.ID, &slice.Switch, &slice.CreatedAt, &slice.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Slice{}, fmt.Errorf("slice %s: %w", id, ErrNotFound)
		}
		return models.Slice{}, fmt.Errorf("failed to find slice: %w", err)
	}

	if slice.Segments, err = s.ListSegments(ctx, id); err != nil {
		return models.Slice{}, err
	}
	if slice.VMs, err = s.ListVMs(ctx, id); err != nil {
		return models.Slice{}, err
	}
	return slice, nil
}

// ListSlices returns every slice without segments or VMs, ordered by id.
func (s *Store) ListSlices(ctx context.Context) ([]models.Slice, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, switch, created_at, updated_at FROM slices ORDER BY CAST(id AS INTEGER)`)
	if err != nil {
		return nil, fmt.Errorf("failed to list slices: %w", err)
	}
	defer rows.Close()

	var slices []models.Slice
	for rows.Next() {
		var slice models.Slice
		if err := rows.Scan(&slice.ID, &slice.Switch, &slice.CreatedAt, &slice.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan slice: %w", err)
		}
		slices = append(slices, slice)
	}
	return slices, rows.Err()
}

// DeleteSlice removes the slice together with its segments and VMs.
func (s *Store) DeleteSlice(ctx context.Context, id string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM slices WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete slice %s: %w", id, err)
	}
	return nil
}

// ReserveVLAN claims vlan for a slice before anything is provisioned. A
// VLAN held by any slice yields ErrDuplicate.
func (s *Store) ReserveVLAN(ctx context.Context, sliceID string, vlan int, switchName string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO vlan_segments (vlan_id, slice_id, switch, state, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		vlan, sliceID, switchName, string(models.StateAbsent), time.Now().UTC())
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("vlan %d: %w", vlan, ErrDuplicate)
		}
		return fmt.Errorf("failed to reserve vlan %d: %w", vlan, err)
	}
	return nil
}

// ReleaseVLAN drops the reservation of vlan.
func (s *Store) ReleaseVLAN(ctx context.Context, vlan int) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM vlan_segments WHERE vlan_id = ?`, vlan); err != nil {
		return fmt.Errorf("failed to release vlan %d: %w", vlan, err)
	}
	return nil
}

// SaveSegment updates the reserved segment row with its provisioned state.
func (s *Store) SaveSegment(ctx context.Context, seg models.VLANSegment) error {
	result, err := s.DB.ExecContext(ctx, `
		UPDATE vlan_segments
		SET subnet = ?, gateway_ip = ?, dhcp_start = ?, dhcp_end = ?, server_ip = ?, namespace = ?,
			switch = ?, switch_ports = ?, dhcp_pid = ?, pid_file = ?, lease_file = ?,
			internet_enabled = ?, state = ?
		WHERE vlan_id = ? AND slice_id = ?`,
		seg.Subnet, seg.Gateway, seg.DHCPStart, seg.DHCPEnd, seg.ServerIP, seg.Namespace,
		seg.Switch, strings.Join(seg.SwitchPorts, ","), seg.DHCPPid, seg.PidFile, seg.LeaseFile,
		seg.InternetEnabled, string(seg.State),
		seg.VLAN, seg.SliceID)
	if err != nil {
		return fmt.Errorf("failed to save segment %d: %w", seg.VLAN, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save segment %d: %w", seg.VLAN, err)
	}
	if affected == 0 {
		return fmt.Errorf("segment %d of slice %s: %w", seg.VLAN, seg.SliceID, ErrNotFound)
	}
	return nil
}

// SetInternet records whether egress is enabled for vlan.
func (s *Store) SetInternet(ctx context.Context, sliceID string, vlan int, enabled bool) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE vlan_segments SET internet_enabled = ? WHERE vlan_id = ? AND slice_id = ?`, enabled, vlan, sliceID)
	if err != nil {
		return fmt.Errorf("failed to update internet flag of vlan %d: %w", vlan, err)
	}
	return nil
}

// GetSegment loads one segment by VLAN.
func (s *Store) GetSegment(ctx context.Context, vlan int) (models.VLANSegment, error) {
	row := s.DB.QueryRowContext(ctx, segmentSelect+` WHERE vlan_id = ?`, vlan)
	seg, err := scanSegment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.VLANSegment{}, fmt.Errorf("vlan %d: %w", vlan, ErrNotFound)
		}
		return models.VLANSegment{}, fmt.Errorf("failed to find segment: %w", err)
	}
	return seg, nil
}

// ListSegments returns the segments of a slice ordered by VLAN.
func (s *Store) ListSegments(ctx context.Context, sliceID string) ([]models.VLANSegment, error) {
	rows, err := s.DB.QueryContext(ctx, segmentSelect+` WHERE slice_id = ? ORDER BY vlan_id`, sliceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	defer rows.Close()

	var segments []models.VLANSegment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

const segmentSelect = `
	SELECT vlan_id, slice_id, subnet, gateway_ip, dhcp_start, dhcp_end, server_ip, namespace,
		switch, switch_ports, dhcp_pid, pid_file, lease_file, internet_enabled, state, created_at
	FROM vlan_segments`

type scanner interface {
	Scan(dest ...any) error
}

func scanSegment(row scanner) (models.VLANSegment, error) {
	var seg models.VLANSegment
	var ports, state string
	err := row.Scan(&seg.VLAN, &seg.SliceID, &seg.Subnet, &seg.Gateway, &seg.DHCPStart, &seg.DHCPEnd,
		&seg.ServerIP, &seg.Namespace, &seg.Switch, &ports, &seg.DHCPPid, &seg.PidFile, &seg.LeaseFile,
		&seg.InternetEnabled, &state, &seg.CreatedAt)
	if err != nil {
		return models.VLANSegment{}, err
	}
	if ports != "" {
		seg.SwitchPorts = strings.Split(ports, ",")
	}
	seg.State = models.SegmentState(state)
	return seg, nil
}

// SaveVMs inserts or replaces placement records.
func (s *Store) SaveVMs(ctx context.Context, vms []models.VM) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, vm := range vms {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO vms (slice_id, name, vlan_id, worker, vnc_display, vnc_port, image, status, reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(slice_id, name) DO UPDATE SET
				vlan_id = excluded.vlan_id, worker = excluded.worker, vnc_display = excluded.vnc_display,
				vnc_port = excluded.vnc_port, image = excluded.image, status = excluded.status,
				reason = excluded.reason, created_at = excluded.created_at`,
			vm.SliceID, vm.Name, vm.VLAN, vm.Worker, vm.VNCDisplay, vm.VNCPort, vm.Image, string(vm.Status), vm.Reason, vm.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to save vm %s: %w", vm.Name, err)
		}
	}
	return tx.Commit()
}

// ListVMs returns the VMs of a slice ordered by VLAN and name.
func (s *Store) ListVMs(ctx context.Context, sliceID string) ([]models.VM, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT slice_id, name, vlan_id, worker, vnc_display, vnc_port, image, status, reason, created_at
		FROM vms WHERE slice_id = ? ORDER BY vlan_id, created_at, length(name), name`, sliceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list vms: %w", err)
	}
	defer rows.Close()

	var vms []models.VM
	for rows.Next() {
		var vm models.VM
		var status string
		if err := rows.Scan(&vm.SliceID, &vm.Name, &vm.VLAN, &vm.Worker, &vm.VNCDisplay, &vm.VNCPort,
			&vm.Image, &status, &vm.Reason, &vm.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan vm: %w", err)
		}
		vm.Status = models.VMStatus(status)
		vms = append(vms, vm)
	}
	return vms, rows.Err()
}

// NextVMIndex returns the 1-based index the next VM of the slice should use.
func (s *Store) NextVMIndex(ctx context.Context, sliceID string) (int, error) {
	var count int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM vms WHERE slice_id = ?`, sliceID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count vms: %w", err)
	}
	return count + 1, nil
}
