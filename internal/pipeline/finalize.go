package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chunkseal/internal/aead"
	"chunkseal/internal/anchors"
	"chunkseal/internal/compress"
	"chunkseal/internal/journal"
	"chunkseal/internal/keys"
	"chunkseal/internal/manifest"
	"chunkseal/internal/merkle"
	"chunkseal/internal/session"
)

// Finalize seals sessionID and returns its Merkle root. It waits for chunks
// still being stored, orders the committed leaves by sequence number and
// builds the tree. Finalizing a finalized session returns the stored root.
//
// Anchoring runs after the session is sealed. An anchoring failure leaves
// the root pending and does not fail Finalize; see Reanchor.
func (p *Pipeline) Finalize(ctx context.Context, sessionID string) (string, error) {
	if p.closed.Load() {
		return "", ErrClosed
	}
	start := time.Now()

	root, tree, err := p.buildTree(ctx, sessionID, time.Now())
	if err != nil || tree == nil {
		return root, err
	}

	p.metrics.SessionsFinalized.Inc()
	p.metrics.FinalizeDuration.Observe(time.Since(start).Seconds())
	p.logger.Info("session finalized",
		"session_id", sessionID,
		"leaves", tree.LeafCount(),
		"height", tree.Height(),
		"root", root,
		"duration", time.Since(start),
	)

	md := tree.Metadata()
	if p.journal != nil {
		rec := journal.SessionRecord{
			SessionID:   sessionID,
			RootHash:    md.RootHash,
			Algorithm:   string(md.Algorithm),
			LeafCount:   md.LeafCount,
			TreeHeight:  md.TreeHeight,
			FinalizedAt: start.UTC(),
		}
		if st, ok := p.table.Get(sessionID); ok && st.FinalizedAt != nil {
			rec.FinalizedAt = *st.FinalizedAt
		}
		if err := p.journal.RecordFinalized(rec); err != nil {
			p.logger.Error("journal append failed", "session_id", sessionID, "error", err)
		}
	}

	if p.anchors != nil {
		if err := p.anchor(ctx, sessionID, md); err != nil {
			p.logger.Warn("anchoring deferred", "session_id", sessionID, "error", err)
		}
	}
	return root, nil
}

// buildTree seals sessionID at the given time. For a session that is
// already finalized it returns the stored root and a nil tree.
func (p *Pipeline) buildTree(ctx context.Context, sessionID string, at time.Time) (string, *merkle.Tree, error) {
	fin, err := p.table.BeginFinalize(ctx, sessionID)
	if errors.Is(err, session.ErrSessionAlreadyFinalized) {
		st, ok := p.table.Get(sessionID)
		if !ok {
			return "", nil, fmt.Errorf("%w: %s", session.ErrSessionNotFound, sessionID)
		}
		return st.MerkleRoot, nil, nil
	}
	if err != nil {
		return "", nil, err
	}

	hashes := fin.Hashes()
	if len(hashes) == 0 {
		fin.Abort()
		return "", nil, fmt.Errorf("pipeline: finalize %s: %w", sessionID, merkle.ErrEmptyTree)
	}

	tree := merkle.New(sessionID, p.cfg.Digest)
	if _, err := tree.AddLeaves(hashes); err != nil {
		fin.Abort()
		return "", nil, fmt.Errorf("pipeline: finalize %s: %w", sessionID, err)
	}
	root, err := tree.Finalize()
	if err != nil {
		fin.Abort()
		return "", nil, fmt.Errorf("pipeline: finalize %s: %w", sessionID, err)
	}
	if err := fin.CompleteAt(tree, at); err != nil {
		return "", nil, err
	}
	return root, tree, nil
}

// anchor commits a finalized root and records the outcome on the session.
func (p *Pipeline) anchor(ctx context.Context, sessionID string, md *merkle.TreeMetadata) error {
	req := anchors.Request{
		SessionID:  sessionID,
		RootHash:   md.RootHash,
		Algorithm:  string(md.Algorithm),
		LeafCount:  md.LeafCount,
		TreeHeight: md.TreeHeight,
	}
	if md.FinalizedAt != nil {
		req.FinalizedAt = *md.FinalizedAt
	}

	start := time.Now()
	receipts, err := p.anchors.Commit(ctx, req)
	p.metrics.AnchorDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		p.metrics.AnchorFailures.Inc()
		p.journalAnchor(sessionID, nil, err)
		if markErr := p.table.MarkAnchorPending(sessionID, err); markErr != nil {
			return errors.Join(err, markErr)
		}
		return err
	}

	var ids []string
	for _, rc := range receipts {
		if rc.Status == anchors.StatusConfirmed {
			ids = append(ids, rc.ID)
		}
	}
	p.metrics.AnchorsConfirmed.Inc()
	p.journalAnchor(sessionID, ids, nil)
	return p.table.MarkAnchored(sessionID, ids)
}

func (p *Pipeline) journalAnchor(sessionID string, receipts []string, cause error) {
	if p.journal == nil {
		return
	}
	var err error
	if cause != nil {
		err = p.journal.RecordAnchorPending(sessionID, cause)
	} else {
		err = p.journal.RecordAnchored(sessionID, receipts)
	}
	if err != nil {
		p.logger.Error("journal append failed", "session_id", sessionID, "error", err)
	}
}

// Restore rebuilds a session from the chunks already in storage so that a
// process other than the ingesting one can work with it. Leaves already
// known are skipped. A session the journal records as finalized is sealed
// again and must reproduce the journaled root. It returns the number of
// leaves added.
func (p *Pipeline) Restore(ctx context.Context, sessionID string) (int, error) {
	records, err := p.store.List(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("pipeline: restore %s: %w", sessionID, err)
	}
	if len(records) == 0 {
		return 0, fmt.Errorf("%w: %s", session.ErrSessionNotFound, sessionID)
	}

	added := 0
	for _, rec := range records {
		if rec.Metadata == nil || rec.Metadata.PlaintextHash == "" {
			return added, fmt.Errorf("pipeline: restore %s: chunk %s has no plaintext digest", sessionID, rec.ChunkID)
		}
		res, err := p.table.Reserve(sessionID, rec.SequenceNo, rec.ChunkID, rec.Metadata.PlaintextHash)
		if errors.Is(err, session.ErrSessionAlreadyFinalized) {
			break
		}
		if err != nil {
			return added, err
		}
		if res.Duplicate() {
			continue
		}
		res.Commit()
		added++
	}

	if jr, ok := p.journaled(sessionID); ok {
		if err := p.restoreFinalized(ctx, jr); err != nil {
			return added, err
		}
	}
	p.logger.Info("session restored", "session_id", sessionID, "leaves", added)
	return added, nil
}

func (p *Pipeline) journaled(sessionID string) (journal.SessionRecord, bool) {
	if p.journal == nil {
		return journal.SessionRecord{}, false
	}
	sessions, err := p.journal.Sessions()
	if err != nil {
		p.logger.Error("journal replay failed", "error", err)
		return journal.SessionRecord{}, false
	}
	rec, ok := sessions[sessionID]
	return rec, ok
}

func (p *Pipeline) restoreFinalized(ctx context.Context, jr journal.SessionRecord) error {
	root, _, err := p.buildTree(ctx, jr.SessionID, jr.FinalizedAt)
	if err != nil {
		return err
	}
	if root != jr.RootHash {
		return fmt.Errorf("%w: session %s rebuilt root %s, journal has %s", ErrIntegrity, jr.SessionID, root, jr.RootHash)
	}

	switch jr.AnchorStatus {
	case journal.AnchorConfirmed:
		return p.table.MarkAnchored(jr.SessionID, jr.AnchorReceipts)
	case journal.AnchorPending:
		return p.table.MarkAnchorPending(jr.SessionID, errors.New(jr.AnchorError))
	}
	return nil
}

// Reanchor retries anchoring for a finalized session.
func (p *Pipeline) Reanchor(ctx context.Context, sessionID string) error {
	if p.anchors == nil {
		return ErrAnchoringDisabled
	}
	tree, err := p.table.Tree(sessionID)
	if err != nil {
		return err
	}
	return p.anchor(ctx, sessionID, tree.Metadata())
}

// PendingAnchors lists finalized sessions whose root is not yet anchored.
func (p *Pipeline) PendingAnchors() []string {
	return p.table.PendingAnchors()
}

// Proof returns the inclusion proof of the chunk at seq in a finalized
// session.
func (p *Pipeline) Proof(sessionID string, seq uint64) (*merkle.Proof, error) {
	proof, err := p.table.Proof(sessionID, seq)
	if err != nil {
		return nil, err
	}
	p.metrics.ProofsGenerated.Inc()
	return proof, nil
}

// VerifyProof checks proof with the configured digest algorithm.
func (p *Pipeline) VerifyProof(proof *merkle.Proof) bool {
	if proof == nil {
		return false
	}
	if proof.Algorithm != "" && proof.Algorithm != p.cfg.Digest {
		return false
	}
	return merkle.VerifyProof(p.cfg.Digest, proof)
}

// Root returns the root of a finalized session.
func (p *Pipeline) Root(sessionID string) (string, error) {
	st, ok := p.table.Get(sessionID)
	if !ok {
		return "", fmt.Errorf("%w: %s", session.ErrSessionNotFound, sessionID)
	}
	if st.Phase != session.Finalized {
		return "", fmt.Errorf("%w: %s", session.ErrNotFinalized, sessionID)
	}
	return st.MerkleRoot, nil
}

// Session returns a copy of the session state.
func (p *Pipeline) Session(sessionID string) (session.State, error) {
	st, ok := p.table.Get(sessionID)
	if !ok {
		return session.State{}, fmt.Errorf("%w: %s", session.ErrSessionNotFound, sessionID)
	}
	return st, nil
}

// Sessions returns a copy of every tracked session.
func (p *Pipeline) Sessions() []session.State {
	return p.table.Snapshot()
}

// Cleanup drops sessionID from memory and forgets its cached key. Stored
// chunks are left to the storage collaborator.
func (p *Pipeline) Cleanup(sessionID string) error {
	if !p.table.Remove(sessionID) {
		return fmt.Errorf("%w: %s", session.ErrSessionNotFound, sessionID)
	}
	p.keys.Forget(sessionID)
	p.logger.Info("session cleaned up", "session_id", sessionID)
	return nil
}

// Manifest describes a finalized session from its tree and stored chunk
// metadata. It is signed when the pipeline has a signing key.
func (p *Pipeline) Manifest(ctx context.Context, sessionID string) (*manifest.Manifest, error) {
	st, err := p.Session(sessionID)
	if err != nil {
		return nil, err
	}
	if st.Phase != session.Finalized {
		return nil, fmt.Errorf("%w: %s", session.ErrNotFinalized, sessionID)
	}

	records, err := p.store.List(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: manifest %s: %w", sessionID, err)
	}
	bySeq := make(map[uint64]int, len(records))
	for i, rec := range records {
		bySeq[rec.SequenceNo] = i
	}

	entries := make([]manifest.Entry, 0, len(st.Leaves))
	for _, leaf := range st.Leaves {
		e := manifest.Entry{
			SequenceNo: leaf.SequenceNo,
			ChunkID:    leaf.ChunkID,
			LeafHash:   leaf.Hash,
		}
		if i, ok := bySeq[leaf.SequenceNo]; ok && records[i].Metadata != nil {
			md := records[i].Metadata
			e.EncryptedSize = md.EncryptedSize
			e.PlaintextHash = md.PlaintextHash
			e.CiphertextHash = md.CiphertextHash
		}
		entries = append(entries, e)
	}

	finalizedAt := st.UpdatedAt
	if st.FinalizedAt != nil {
		finalizedAt = *st.FinalizedAt
	}
	m, err := manifest.Build(sessionID, p.cfg.Digest, st.MerkleRoot, st.TreeHeight, finalizedAt, entries)
	if err != nil {
		return nil, err
	}
	if p.signer != nil {
		if err := m.Sign(p.signer); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Decrypt reads a stored chunk back and returns its plaintext. The result
// is checked against the recorded plaintext digest.
func (p *Pipeline) Decrypt(ctx context.Context, sessionID, chunkID string) ([]byte, error) {
	rec, err := p.store.Get(ctx, sessionID, chunkID)
	if err != nil {
		return nil, err
	}
	md := rec.Metadata
	if md == nil {
		return nil, fmt.Errorf("pipeline: decrypt %s/%s: record has no metadata", sessionID, chunkID)
	}

	c := p.cipher
	if md.Cipher != "" && aead.Algorithm(md.Cipher) != c.Algorithm() {
		if c, err = aead.New(aead.Algorithm(md.Cipher)); err != nil {
			return nil, err
		}
	}

	var body []byte
	if KeyMode(md.KeyMode) == KeyPerBlob {
		salt, _, err := aead.SplitSalt(rec.Blob, keys.BlobSaltSize)
		if err != nil {
			return nil, err
		}
		key, err := p.keys.KeyForBlob(sessionID, salt)
		if err != nil {
			return nil, err
		}
		defer keys.Wipe(key)
		body, err = c.DecryptSalted(key, keys.BlobSaltSize, rec.Blob)
		if err != nil {
			return nil, err
		}
	} else {
		key, err := p.keys.KeyFor(sessionID)
		if err != nil {
			return nil, err
		}
		defer keys.Wipe(key)
		body, err = c.Decrypt(key, rec.Blob)
		if err != nil {
			return nil, err
		}
	}

	plaintext, err := compress.Expand(md.Compression, body)
	if err != nil {
		return nil, err
	}
	if md.PlaintextHash != "" && merkle.HashLeafData(p.cfg.Digest, plaintext) != md.PlaintextHash {
		return nil, fmt.Errorf("%w: %s/%s", ErrIntegrity, sessionID, chunkID)
	}
	return plaintext, nil
}
