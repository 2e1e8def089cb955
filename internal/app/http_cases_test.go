package app

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"caseguard/api/internal/store"
)

const newCaseBody = `{"caseTitle":"Post-op infection","content":"Patient reports fever on day three.","attachments":["uploads/a.png"]}`

func TestCreateCaseReturnsCaseID(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("avery", nil)

	rr := env.do(http.MethodPost, "/api/cases", env.tokenFor(t, "avery", "user"), bytes.NewBufferString(newCaseBody))

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	caseID, _ := payload["caseId"].(string)
	if caseID == "" {
		t.Fatalf("expected caseId, got %v", payload)
	}

	kinds := env.store.insertedKinds()
	if len(kinds) != 2 || kinds[0] != store.KindChatSessions || kinds[1] != store.KindChatMessages {
		t.Fatalf("expected session then message inserts, got %v", kinds)
	}
	for _, call := range env.store.inserts {
		if call.actor != "avery" {
			t.Fatalf("expected insert on behalf of avery, got actor %q", call.actor)
		}
	}
	if env.store.statuses["avery"].CaseCount != 1 {
		t.Fatalf("expected case count 1, got %d", env.store.statuses["avery"].CaseCount)
	}
	if len(env.publisher.messages) != 1 || env.publisher.messages[0] != caseID {
		t.Fatalf("expected first message published for %s, got %v", caseID, env.publisher.messages)
	}
}

func TestCreateCaseBlockedByCaseCreationFlag(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("avery", &store.UserStatus{Role: "user", Tier: "free", CaseCreationBlocked: true})

	rr := env.do(http.MethodPost, "/api/cases", env.tokenFor(t, "avery", "user"), bytes.NewBufferString(newCaseBody))

	expectError(t, rr, http.StatusForbidden, "CASE_CREATION_BLOCKED")
	if kinds := env.store.insertedKinds(); len(kinds) != 0 {
		t.Fatalf("expected no inserts, got %v", kinds)
	}
}

func TestCreateCaseBlockedByMessagingFlag(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("avery", &store.UserStatus{Role: "user", Tier: "free", MessagingBlocked: true})

	rr := env.do(http.MethodPost, "/api/cases", env.tokenFor(t, "avery", "user"), bytes.NewBufferString(newCaseBody))

	expectError(t, rr, http.StatusForbidden, "ACCOUNT_BLOCKED")
	if kinds := env.store.insertedKinds(); len(kinds) != 0 {
		t.Fatalf("expected no orphan case, got %v", kinds)
	}
}

func TestCreateCaseEnforcesTierLimit(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("avery", &store.UserStatus{Role: "user", Tier: "free", CaseCount: 3})

	rr := env.do(http.MethodPost, "/api/cases", env.tokenFor(t, "avery", "user"), bytes.NewBufferString(newCaseBody))

	expectError(t, rr, http.StatusForbidden, "CASE_LIMIT_REACHED")
	details, _ := decodeResponse(t, rr)["details"].(map[string]any)
	if details["limit"] != float64(3) {
		t.Fatalf("expected limit 3 in details, got %v", details)
	}
}

func TestCreateCaseEnterpriseIsUnlimited(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("avery", &store.UserStatus{Role: "user", Tier: "enterprise", CaseCount: 5000})

	rr := env.do(http.MethodPost, "/api/cases", env.tokenFor(t, "avery", "user"), bytes.NewBufferString(newCaseBody))

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestCreateCaseRequiresTitle(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("avery", nil)

	rr := env.do(http.MethodPost, "/api/cases", env.tokenFor(t, "avery", "user"), bytes.NewBufferString(`{"caseTitle":"  ","content":"x"}`))

	expectError(t, rr, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func createCase(t *testing.T, env *testEnv, token string) string {
	t.Helper()
	rr := env.do(http.MethodPost, "/api/cases", token, bytes.NewBufferString(newCaseBody))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create case: status %d body=%s", rr.Code, rr.Body.String())
	}
	caseID, _ := decodeResponse(t, rr)["caseId"].(string)
	return caseID
}

func TestSendMessageStoresUserMessageAndReply(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("avery", nil)
	token := env.tokenFor(t, "avery", "user")
	caseID := createCase(t, env, token)

	rr := env.do(http.MethodPost, "/api/cases/"+caseID+"/messages", token, bytes.NewBufferString(`{"content":"What should I document?"}`))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["persisted"] != true {
		t.Fatalf("expected persisted=true, got %v", payload["persisted"])
	}
	assistant, _ := payload["assistant"].(map[string]any)
	if assistant["content"] != "Document the consent conversation." || assistant["role"] != "assistant" {
		t.Fatalf("unexpected assistant message: %v", assistant)
	}
	if len(env.completer.prompts) != 1 || !strings.Contains(env.completer.prompts[0], "Post-op infection") {
		t.Fatalf("expected prompt with case title, got %v", env.completer.prompts)
	}
	if got := len(env.store.messages[caseID]); got != 3 {
		t.Fatalf("expected 3 stored messages, got %d", got)
	}
}

func TestSendMessageBlockedWhenMessagingBlocked(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("avery", nil)
	token := env.tokenFor(t, "avery", "user")
	caseID := createCase(t, env, token)
	env.store.statuses["avery"] = store.UserStatus{UserID: "avery", Role: "user", Tier: "free", MessagingBlocked: true}

	rr := env.do(http.MethodPost, "/api/cases/"+caseID+"/messages", token, bytes.NewBufferString(`{"content":"Still there?"}`))

	expectError(t, rr, http.StatusForbidden, "ACCOUNT_BLOCKED")
	if len(env.completer.prompts) != 0 {
		t.Fatal("expected no completion call for a blocked account")
	}
}

func TestSendMessageReturnsUnpersistedReplyWhenAssistantInsertFails(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("avery", nil)
	token := env.tokenFor(t, "avery", "user")
	caseID := createCase(t, env, token)

	env.store.insertFn = func(ctx context.Context, kind store.Kind, row store.Row) (store.Row, error) {
		if row.String("role") == "assistant" {
			return nil, errFake
		}
		return env.store.insertRow(ctx, kind, row)
	}

	rr := env.do(http.MethodPost, "/api/cases/"+caseID+"/messages", token, bytes.NewBufferString(`{"content":"What next?"}`))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["persisted"] != false {
		t.Fatalf("expected persisted=false, got %v", payload["persisted"])
	}
	assistant, _ := payload["assistant"].(map[string]any)
	if assistant["content"] != "Document the consent conversation." {
		t.Fatalf("expected reply text to be returned, got %v", assistant)
	}
}

func TestSendMessageCompletionFailureIsUpstreamError(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("avery", nil)
	token := env.tokenFor(t, "avery", "user")
	caseID := createCase(t, env, token)
	env.completer.err = errors.New("model overloaded")

	rr := env.do(http.MethodPost, "/api/cases/"+caseID+"/messages", token, bytes.NewBufferString(`{"content":"Hello?"}`))

	expectError(t, rr, http.StatusBadGateway, "UPSTREAM_ERROR")
	if got := len(env.store.messages[caseID]); got != 2 {
		t.Fatalf("expected the user message to stay stored, got %d messages", got)
	}
}

func TestSendMessageToOtherUsersCaseIsForbidden(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("avery", nil)
	env.addUser("blake", nil)
	caseID := createCase(t, env, env.tokenFor(t, "avery", "user"))

	rr := env.do(http.MethodPost, "/api/cases/"+caseID+"/messages", env.tokenFor(t, "blake", "user"), bytes.NewBufferString(`{"content":"hi"}`))

	expectError(t, rr, http.StatusForbidden, "FORBIDDEN")
}

func TestGetCaseReturnsMessages(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("avery", nil)
	token := env.tokenFor(t, "avery", "user")
	caseID := createCase(t, env, token)

	rr := env.do(http.MethodGet, "/api/cases/"+caseID, token, nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	messages, _ := decodeResponse(t, rr)["messages"].([]any)
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
}

func TestGetMissingCaseIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("avery", nil)

	rr := env.do(http.MethodGet, "/api/cases/missing", env.tokenFor(t, "avery", "user"), nil)

	expectError(t, rr, http.StatusNotFound, "NOT_FOUND")
}

func TestExportCaseAsHTML(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("avery", nil)
	token := env.tokenFor(t, "avery", "user")
	caseID := createCase(t, env, token)

	rr := env.do(http.MethodGet, "/api/cases/"+caseID+"/export?format=html", token, nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if !strings.HasPrefix(rr.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("expected html content type, got %q", rr.Header().Get("Content-Type"))
	}
	if !strings.Contains(rr.Header().Get("Content-Disposition"), "attachment") {
		t.Fatalf("expected attachment disposition, got %q", rr.Header().Get("Content-Disposition"))
	}
	if !strings.Contains(rr.Body.String(), "Post-op infection") {
		t.Fatal("expected case title in export")
	}
}

func TestExportCaseRejectsUnknownFormat(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("avery", nil)

	rr := env.do(http.MethodGet, "/api/cases/any/export?format=docx", env.tokenFor(t, "avery", "user"), nil)

	expectError(t, rr, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestSearchCasesWithoutIndexReturnsEmpty(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("avery", nil)

	rr := env.do(http.MethodGet, "/api/cases/search?q=fever", env.tokenFor(t, "avery", "user"), nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	results, ok := decodeResponse(t, rr)["results"].([]any)
	if !ok || len(results) != 0 {
		t.Fatalf("expected empty results, got %s", rr.Body.String())
	}
}

func TestSearchCasesRequiresQuery(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("avery", nil)

	rr := env.do(http.MethodGet, "/api/cases/search", env.tokenFor(t, "avery", "user"), nil)

	expectError(t, rr, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestCompleteReturnsText(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("avery", nil)

	rr := env.do(http.MethodPost, "/api/llm/complete", env.tokenFor(t, "avery", "user"), bytes.NewBufferString(`{"prompt":"Summarize"}`))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if decodeResponse(t, rr)["text"] != "Document the consent conversation." {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}
}

func TestCompleteRejectsEmptyPrompt(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("avery", nil)

	rr := env.do(http.MethodPost, "/api/llm/complete", env.tokenFor(t, "avery", "user"), bytes.NewBufferString(`{"prompt":"  "}`))

	expectError(t, rr, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestUploadWithoutStorageIsUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("avery", nil)

	rr := env.do(http.MethodPost, "/api/uploads", env.tokenFor(t, "avery", "user"), nil)

	expectError(t, rr, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE")
}

func (e *testEnv) withUploader() *fakeUploader {
	up := &fakeUploader{maxBytes: 64}
	e.service.uploader = up
	return up
}

func (e *testEnv) upload(t *testing.T, token, chatID, fileName, content string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	if chatID != "" {
		if err := form.WriteField("chatId", chatID); err != nil {
			t.Fatalf("write chatId: %v", err)
		}
	}
	part, err := form.CreateFormFile("file", fileName)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write([]byte(content))
	if err := form.Close(); err != nil {
		t.Fatalf("close form: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/uploads", &body)
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)
	return rr
}

func TestUploadStoresFileAndRecordsIt(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("avery", nil)
	token := env.tokenFor(t, "avery", "user")
	caseID := createCase(t, env, token)
	up := env.withUploader()

	rr := env.upload(t, token, caseID, "wound.png", "png-bytes")

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["path"] != "avery/wound.png" || payload["publicUrl"] != "https://files.test/avery/wound.png" {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}
	if len(up.objects) != 1 || up.objects[0].UserID != "avery" || up.objects[0].ChatID != caseID || up.bodies[0] != "png-bytes" {
		t.Fatalf("unexpected stored objects %+v", up.objects)
	}

	last := env.store.inserts[len(env.store.inserts)-1]
	if last.kind != store.KindUploadedFiles || last.actor != "avery" {
		t.Fatalf("expected uploaded_files insert as avery, got %s as %q", last.kind, last.actor)
	}
	if last.row.String("path") != "avery/wound.png" || last.row.String("chat_id") != caseID {
		t.Fatalf("unexpected uploaded_files row %v", last.row)
	}
}

func TestUploadToOtherUsersCaseIsForbidden(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("avery", nil)
	env.addUser("blake", nil)
	caseID := createCase(t, env, env.tokenFor(t, "avery", "user"))
	up := env.withUploader()
	before := len(env.store.insertedKinds())

	rr := env.upload(t, env.tokenFor(t, "blake", "user"), caseID, "note.txt", "hi")

	expectError(t, rr, http.StatusForbidden, "FORBIDDEN")
	if len(up.objects) != 0 {
		t.Fatalf("expected nothing uploaded, got %+v", up.objects)
	}
	if after := len(env.store.insertedKinds()); after != before {
		t.Fatalf("expected no new inserts, got %d", after-before)
	}
}

func TestUploadRejectsNonMultipartBody(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("avery", nil)
	env.withUploader()

	rr := env.do(http.MethodPost, "/api/uploads", env.tokenFor(t, "avery", "user"), bytes.NewBufferString(`{"file":"x"}`))

	expectError(t, rr, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestUploadRejectsOversizedBody(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("avery", nil)
	env.withUploader()

	rr := env.upload(t, env.tokenFor(t, "avery", "user"), "", "scan.bin", strings.Repeat("x", 2*multipartOverhead))

	expectError(t, rr, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE")
}

func TestCreateLeadIsPublic(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(http.MethodPost, "/api/leads", "", bytes.NewBufferString(
		`{"name":"Dr. Reyes","email":"reyes@clinic.example","company":"Clinic","message":"Demo please"}`))

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	if kinds := env.store.insertedKinds(); len(kinds) != 1 || kinds[0] != store.KindLeads {
		t.Fatalf("expected one lead insert, got %v", kinds)
	}
}

func TestCreateLeadRejectsMalformedEmail(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(http.MethodPost, "/api/leads", "", bytes.NewBufferString(`{"name":"Dr. Reyes","email":"not-an-email"}`))

	expectError(t, rr, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestCreateSupportStampsCaller(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("avery", nil)

	rr := env.do(http.MethodPost, "/api/support", env.tokenFor(t, "avery", "user"), bytes.NewBufferString(`{"subject":"Billing","body":"Upgrade me"}`))

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	support, _ := decodeResponse(t, rr)["support"].(map[string]any)
	if support["userId"] != "avery" || support["email"] != "avery@example.com" || support["status"] != "open" {
		t.Fatalf("unexpected support payload: %v", support)
	}
}

func TestMyStatusDefaultsWithoutRow(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("avery", nil)

	rr := env.do(http.MethodGet, "/api/me/status", env.tokenFor(t, "avery", "user"), nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["tier"] != "free" || payload["messagingBlocked"] != false || payload["caseCreationBlocked"] != false {
		t.Fatalf("unexpected default status: %v", payload)
	}
}
