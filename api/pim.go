package api

import (
	"io"
	"net/http"
	"sort"
	"strconv"

	"github.com/GuilhermeP96/adb-toolkit/provider"
)

// importFailure is one rejected entry of a bulk import. Imports never swallow
// errors: every entry either lands or is reported here.
type importFailure struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

func (h *handlers) contacts(w http.ResponseWriter, r *http.Request) {
	contacts := h.deps.Providers.Contacts

	switch action(r) {
	case "list":
		list, err := contacts.List()
		if err != nil {
			providerError(w, err)
			return
		}
		respond(w, http.StatusOK, map[string]any{"count": len(list), "contacts": list})

	case "count":
		list, err := contacts.List()
		if err != nil {
			providerError(w, err)
			return
		}
		respond(w, http.StatusOK, map[string]any{"count": len(list)})

	case "export-vcf", "export":
		list, err := contacts.List()
		if err != nil {
			providerError(w, err)
			return
		}
		vcf := encodeVCard(list)
		w.Header().Set("Content-Type", "text/vcard")
		w.Header().Set("Content-Disposition", `attachment; filename="contacts.vcf"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(vcf))

	case "import-vcf", "import":
		h.contactsImport(w, r)

	default:
		respondError(w, http.StatusNotFound, "unknown action")
	}
}

func (h *handlers) contactsImport(w http.ResponseWriter, r *http.Request) {
	var vcf string

	if r.Header.Get("Content-Type") == "application/json" {
		var body struct {
			VCF string `json:"vcf"`
		}
		if err := decodeBody(r, &body); err != nil || body.VCF == "" {
			respondError(w, http.StatusBadRequest, "vcf field is required")
			return
		}
		vcf = body.VCF
	} else {
		raw, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
		if err != nil || len(raw) == 0 {
			respondError(w, http.StatusBadRequest, "empty vcf body")
			return
		}
		vcf = string(raw)
	}

	parsed, parseErrs := parseVCard(vcf)
	if len(parsed) == 0 && len(parseErrs) == 0 {
		respondError(w, http.StatusBadRequest, "no vcard blocks found")
		return
	}

	var failures []importFailure
	for i, reason := range parseErrs {
		failures = append(failures, importFailure{Index: i, Reason: reason})
	}

	imported := 0
	for i, contact := range parsed {
		if err := h.deps.Providers.Contacts.Insert(contact); err != nil {
			failures = append(failures, importFailure{Index: i, Reason: err.Error()})
			continue
		}
		imported++
	}

	respondOK(w, map[string]any{
		"imported": imported,
		"failures": failures,
	})
}

type conversation struct {
	ThreadID int64  `json:"thread_id"`
	Address  string `json:"address"`
	Count    int    `json:"count"`
	LastDate int64  `json:"last_date"`
	LastBody string `json:"last_body"`
}

func (h *handlers) sms(w http.ResponseWriter, r *http.Request) {
	sms := h.deps.Providers.SMS

	switch action(r) {
	case "list":
		limit := 100
		offset := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				respondError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = parsed
		}
		if raw := r.URL.Query().Get("offset"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 {
				respondError(w, http.StatusBadRequest, "invalid offset")
				return
			}
			offset = parsed
		}

		messages, err := sms.List(limit, offset)
		if err != nil {
			providerError(w, err)
			return
		}
		respond(w, http.StatusOK, map[string]any{"count": len(messages), "messages": messages})

	case "count":
		count, err := sms.Count()
		if err != nil {
			providerError(w, err)
			return
		}
		respond(w, http.StatusOK, map[string]any{"count": count})

	case "export":
		count, err := sms.Count()
		if err != nil {
			providerError(w, err)
			return
		}
		messages, err := sms.List(count, 0)
		if err != nil {
			providerError(w, err)
			return
		}
		respond(w, http.StatusOK, map[string]any{"count": len(messages), "messages": messages})

	case "conversations":
		h.smsConversations(w, r)

	case "import":
		h.smsImport(w, r)

	default:
		respondError(w, http.StatusNotFound, "unknown action")
	}
}

func (h *handlers) smsConversations(w http.ResponseWriter, r *http.Request) {
	sms := h.deps.Providers.SMS

	count, err := sms.Count()
	if err != nil {
		providerError(w, err)
		return
	}
	messages, err := sms.List(count, 0)
	if err != nil {
		providerError(w, err)
		return
	}

	byThread := make(map[int64]*conversation)
	for _, message := range messages {
		thread, ok := byThread[message.ThreadID]
		if !ok {
			thread = &conversation{ThreadID: message.ThreadID, Address: message.Address}
			byThread[message.ThreadID] = thread
		}
		thread.Count++
		if message.Date >= thread.LastDate {
			thread.LastDate = message.Date
			thread.LastBody = message.Body
			thread.Address = message.Address
		}
	}

	conversations := make([]conversation, 0, len(byThread))
	for _, thread := range byThread {
		conversations = append(conversations, *thread)
	}
	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].LastDate > conversations[j].LastDate
	})

	respond(w, http.StatusOK, map[string]any{"count": len(conversations), "conversations": conversations})
}

func (h *handlers) smsImport(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Messages []provider.Message `json:"messages"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(body.Messages) == 0 {
		respondError(w, http.StatusBadRequest, "messages array is required")
		return
	}

	var failures []importFailure
	imported := 0
	for i, message := range body.Messages {
		if message.Address == "" {
			failures = append(failures, importFailure{Index: i, Reason: "missing address"})
			continue
		}
		if err := h.deps.Providers.SMS.Insert(message); err != nil {
			failures = append(failures, importFailure{Index: i, Reason: err.Error()})
			continue
		}
		imported++
	}

	respondOK(w, map[string]any{
		"imported": imported,
		"failures": failures,
	})
}
