package tests

import (
	"errors"
	"fmt"
	"testing"

	"nutristudio_platform/studio/schema"
)

func TestSignupAndLogin(t *testing.T) {
	env := setupTestEnv(t)

	for i := 0; i < 3; i++ {
		studio := fmt.Sprintf("studio%d", i)
		email := fmt.Sprintf("admin%d@mail.com", i)
		password := fmt.Sprintf("admin%d_password", i)

		client := env.newClient()
		login, err := client.signup(studio, "Admin "+studio, email, password)
		if err != nil {
			t.Fatal(err)
		}

		_, err = client.signup(studio, "Admin "+studio, email, password)
		if err == nil {
			t.Fatal("duplicate signup should fail")
		}

		err = client.login(loginInfo{Email: "nobody@mail.com", Password: password})
		if err == nil {
			t.Fatal("login should fail with wrong email")
		}

		err = client.login(loginInfo{Email: email, Password: "wrong_password"})
		if err == nil {
			t.Fatal("login should fail with wrong password")
		}

		err = client.login(login)
		if err != nil {
			t.Fatal(err)
		}

		info, err := client.userInfo()
		if err != nil {
			t.Fatal(err)
		}

		if info.Email != email || info.Id.String() != client.userId || info.Role != schema.RoleTenantAdmin {
			t.Fatalf("invalid info %v", info)
		}
	}
}

func TestCreateUser(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.newStudio("vida-leve")
	if err != nil {
		t.Fatal(err)
	}

	staff, err := env.newStaff(admin, "carla")
	if err != nil {
		t.Fatal(err)
	}

	// TEAM users cannot create users.
	_, err = staff.createUser("eve", "eve@mail.com", "123", schema.RoleTeam)
	if !statusError(err, 403) {
		t.Fatalf("staff cannot create users: %v", err)
	}

	// Admins cannot mint platform owners.
	_, err = admin.createUser("eve", "eve@mail.com", "123", schema.RoleOwner)
	if !statusError(err, 403) {
		t.Fatalf("admins cannot create owners: %v", err)
	}

	_, err = admin.createUser("eve", "eve@mail.com", "123", schema.Role("SUPERUSER"))
	if err == nil {
		t.Fatal("invalid roles must be rejected")
	}

	userId, err := admin.createUser("eve", "eve@mail.com", "123", schema.RoleTeam)
	if err != nil {
		t.Fatal(err)
	}

	_, err = admin.createUser("eve2", "eve@mail.com", "456", schema.RoleTeam)
	if !statusError(err, 409) {
		t.Fatalf("duplicate email should conflict: %v", err)
	}

	users, err := admin.listUsers()
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 3 {
		t.Fatalf("expected admin, carla, and eve, got %v", users)
	}

	err = admin.deleteUser(userId)
	if err != nil {
		t.Fatal(err)
	}

	users, err = admin.listUsers()
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 {
		t.Fatalf("expected eve to be deleted, got %v", users)
	}
}

func TestUserListIsTenantScoped(t *testing.T) {
	env := setupTestEnv(t)

	studioA, err := env.newStudio("studio-a")
	if err != nil {
		t.Fatal(err)
	}
	studioB, err := env.newStudio("studio-b")
	if err != nil {
		t.Fatal(err)
	}

	_, err = studioB.createUser("bob", "bob@mail.com", "123", schema.RoleTeam)
	if err != nil {
		t.Fatal(err)
	}

	users, err := studioA.listUsers()
	if err != nil {
		t.Fatal(err)
	}
	for _, user := range users {
		if user.TenantId.String() != studioA.tenantId {
			t.Fatalf("studio A sees user from another studio: %v", user)
		}
	}

	// The platform owner sees every studio's users.
	owner, err := env.ownerClient()
	if err != nil {
		t.Fatal(err)
	}

	all, err := owner.listUsers()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) < 4 {
		t.Fatalf("owner should see users across studios, got %v", all)
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	env := setupTestEnv(t)

	client := env.newClient()
	_, err := client.userInfo()
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	_, err = client.listPatients(false)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}
